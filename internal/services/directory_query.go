package services

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mutualaid/backend/internal/models"
)

const (
	DefaultPageSize int64 = 10
	// MaxPageSize caps positive limits.
	MaxPageSize int64 = 100
	// UnlimitedResults disables the limit stage. Only trusted callers should send it.
	UnlimitedResults int64 = -1
)

type Objective string

const (
	ObjectiveRequest Objective = "request"
	ObjectiveOffer   Objective = "offer"
)

// SearchParams are already-validated directory query inputs.
type SearchParams struct {
	// Location is an explicit anchor supplied by the caller; nil when absent.
	Location           *models.Location
	Objective          Objective
	Keywords           string
	IgnoreUserLocation bool
	Skip               int64
	// Limit of 0 means the default page size.
	Limit       int64
	IncludeMeta bool
}

// keywordFields are matched by the substring predicate of location-anchored searches.
var keywordFields = []string{
	"name",
	"first_name",
	"last_name",
	"about",
	"location.country",
	"location.state",
	"location.city",
}

// filterSet is the output of filter assembly: the predicate fragments shared
// by the page and count queries, and the effective location, if any.
type filterSet struct {
	predicates bson.A
	location   []float64
	keywords   string
}

// assembleFilters composes predicates from params. requester is the caller's
// stored profile, or nil when the caller is anonymous or unregistered.
func assembleFilters(params SearchParams, requester *models.Profile) filterSet {
	fs := filterSet{
		predicates: bson.A{bson.D{{Key: "type", Value: models.ProfileTypeIndividual}}},
		keywords:   strings.TrimSpace(params.Keywords),
	}

	switch {
	case params.Location.HasPoint():
		// Profiles hiding their address never show up around someone else's anchor.
		fs.predicates = append(fs.predicates, bson.D{{Key: "hide_address", Value: false}})
		fs.location = params.Location.Coordinates
	case requester != nil && !params.IgnoreUserLocation && requester.Location.HasPoint():
		fs.location = requester.Location.Coordinates
	}

	switch params.Objective {
	case ObjectiveRequest:
		fs.predicates = append(fs.predicates, bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "needs.medical_help", Value: true}},
			bson.D{{Key: "needs.other_help", Value: true}},
		}}})
	case ObjectiveOffer:
		fs.predicates = append(fs.predicates, bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "objectives.donate", Value: true}},
			bson.D{{Key: "objectives.share_information", Value: true}},
			bson.D{{Key: "objectives.volunteer", Value: true}},
		}}})
	}

	if fs.keywords != "" && fs.location != nil {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(fs.keywords), Options: "i"}
		ors := make(bson.A, 0, len(keywordFields))
		for _, f := range keywordFields {
			ors = append(ors, bson.D{{Key: f, Value: re}})
		}
		fs.predicates = append(fs.predicates, bson.D{{Key: "$or", Value: ors}})
	}

	return fs
}

// rankingPlan is one of geoPlan, textPlan or defaultPlan.
type rankingPlan interface {
	name() string
	// rank returns the filtering and ordering stages of the page query.
	rank(predicates bson.A) mongo.Pipeline
	// countMatch returns the predicates the result counter must match so that
	// the total agrees with what rank can return.
	countMatch(predicates bson.A) bson.A
}

// geoPlan ranks by ascending distance from near, newest first on ties.
type geoPlan struct {
	near []float64
}

func (geoPlan) name() string { return "geo" }

func (p geoPlan) rank(predicates bson.A) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$geoNear", Value: bson.D{
			{Key: "near", Value: bson.D{
				{Key: "type", Value: "Point"},
				{Key: "coordinates", Value: bson.A{p.near[0], p.near[1]}},
			}},
			{Key: "distanceField", Value: "distance"},
			{Key: "key", Value: "location.coordinates"},
			{Key: "query", Value: matchAll(predicates)},
			{Key: "spherical", Value: true},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "distance", Value: 1}, {Key: "_id", Value: -1}}}},
	}
}

// $geoNear only sees documents that carry the indexed point.
func (geoPlan) countMatch(predicates bson.A) bson.A {
	return append(cloneA(predicates), bson.D{{Key: "location.coordinates", Value: bson.D{{Key: "$exists", Value: true}}}})
}

// textPlan ranks by descending text score.
type textPlan struct {
	keywords string
}

func (textPlan) name() string { return "text" }

func (p textPlan) rank(predicates bson.A) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: matchAll(p.countMatch(predicates))}},
		{{Key: "$sort", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "textScore"}}}}}},
	}
}

func (p textPlan) countMatch(predicates bson.A) bson.A {
	return append(cloneA(predicates), bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: p.keywords}}}})
}

// defaultPlan orders newest first by _id.
type defaultPlan struct{}

func (defaultPlan) name() string { return "default" }

func (defaultPlan) rank(predicates bson.A) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: matchAll(predicates)}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: -1}}}},
	}
}

func (defaultPlan) countMatch(predicates bson.A) bson.A { return predicates }

// selectPlan picks the ranking plan. A location beats keywords.
func selectPlan(fs filterSet) rankingPlan {
	switch {
	case fs.location != nil:
		return geoPlan{near: fs.location}
	case fs.keywords != "":
		return textPlan{keywords: fs.keywords}
	default:
		return defaultPlan{}
	}
}

// pageWindow normalises skip and limit. A zero limit falls back to pageSize
// and positive limits are capped at MaxPageSize.
func pageWindow(skip, limit, pageSize int64) (int64, int64) {
	if skip < 0 {
		skip = 0
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if limit == 0 || limit < UnlimitedResults {
		limit = pageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return skip, limit
}

func paginationStages(skip, limit int64) mongo.Pipeline {
	stages := mongo.Pipeline{{{Key: "$skip", Value: skip}}}
	if limit != UnlimitedResults {
		stages = append(stages, bson.D{{Key: "$limit", Value: limit}})
	}
	return stages
}

// projectionStages shape a page for viewers: location and distance only for
// profiles that show their address, and never the raw point.
func projectionStages() mongo.Pipeline {
	visible := bson.A{"$hide_address", false}
	return mongo.Pipeline{
		{{Key: "$project", Value: bson.D{
			{Key: "_id", Value: 1},
			{Key: "about", Value: 1},
			{Key: "first_name", Value: 1},
			{Key: "last_name", Value: 1},
			{Key: "type", Value: 1},
			{Key: "hide_address", Value: 1},
			{Key: "needs", Value: 1},
			{Key: "objectives", Value: 1},
			{Key: "photo", Value: 1},
			{Key: "urls", Value: 1},
			{Key: "location", Value: bson.D{{Key: "$cond", Value: bson.D{
				{Key: "if", Value: bson.D{{Key: "$eq", Value: visible}}},
				{Key: "then", Value: "$location"},
				{Key: "else", Value: nil},
			}}}},
			{Key: "distance", Value: bson.D{{Key: "$cond", Value: bson.D{
				{Key: "if", Value: bson.D{{Key: "$eq", Value: visible}}},
				{Key: "then", Value: "$distance"},
				{Key: "else", Value: "$$REMOVE"},
			}}}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "location.coordinates", Value: 0},
			{Key: "location.type", Value: 0},
		}}},
	}
}

// buildSearchPipeline is rank, then skip/limit, then projection.
func buildSearchPipeline(plan rankingPlan, fs filterSet, skip, limit int64) mongo.Pipeline {
	pipeline := plan.rank(fs.predicates)
	pipeline = append(pipeline, paginationStages(skip, limit)...)
	pipeline = append(pipeline, projectionStages()...)
	return pipeline
}

// buildCountPipeline groups every match into a single count document.
func buildCountPipeline(plan rankingPlan, fs filterSet) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: matchAll(plan.countMatch(fs.predicates))}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
}

func matchAll(predicates bson.A) bson.D {
	return bson.D{{Key: "$and", Value: predicates}}
}

func cloneA(a bson.A) bson.A {
	out := make(bson.A, len(a), len(a)+1)
	copy(out, a)
	return out
}
