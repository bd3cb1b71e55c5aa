package services

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mutualaid/backend/internal/models"
	"github.com/mutualaid/backend/internal/observability"
)

// snapshotCollection is the slice of *mongo.Collection the propagator needs.
type snapshotCollection interface {
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

const (
	TargetPosts    = "posts"
	TargetComments = "comments"
	TargetThreads  = "threads"
)

// SnapshotFields says which snapshot fields a profile write changed.
type SnapshotFields struct {
	Name  bool
	Photo bool
}

func (f SnapshotFields) any() bool { return f.Name || f.Photo }

// PropagationResult is the outcome for one dependent collection.
type PropagationResult struct {
	Target   string
	Matched  int64
	Modified int64
	Err      error
}

// Propagator pushes profile name/photo changes into the author and
// participant snapshots of posts, comments and threads. Each target is
// updated at most once per call, failures are logged and never retried.
type Propagator struct {
	posts    snapshotCollection
	comments snapshotCollection
	threads  snapshotCollection
	timeout  time.Duration
	log      *zap.Logger
	metrics  *observability.Metrics
}

func NewPropagator(posts, comments, threads snapshotCollection, timeout time.Duration, log *zap.Logger, metrics *observability.Metrics) *Propagator {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Propagator{
		posts:    posts,
		comments: comments,
		threads:  threads,
		timeout:  timeout,
		log:      log,
		metrics:  metrics,
	}
}

// Propagate fans the current name and/or photo of prof out to every
// snapshot of it. It blocks until all three updates finish, but it is not
// cancelled by ctx: a cancelled request still completes its propagation.
func (p *Propagator) Propagate(ctx context.Context, prof *models.Profile, fields SnapshotFields) []PropagationResult {
	if prof == nil || !fields.any() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	snap := models.SnapshotOf(prof)
	set := func(prefix string) bson.M {
		out := bson.M{}
		if fields.Name {
			out[prefix+"name"] = snap.Name
		}
		if fields.Photo {
			// A nil photo stores null, which is what an avatar deletion propagates.
			out[prefix+"photo"] = snap.Photo
		}
		return out
	}

	participant := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"p.id": prof.ID}},
	})

	jobs := []struct {
		target string
		col    snapshotCollection
		filter bson.M
		update bson.M
		opts   []*options.UpdateOptions
	}{
		{TargetPosts, p.posts, bson.M{"author.id": prof.ID}, bson.M{"$set": set("author.")}, nil},
		{TargetComments, p.comments, bson.M{"author.id": prof.ID}, bson.M{"$set": set("author.")}, nil},
		{TargetThreads, p.threads, bson.M{"participants.id": prof.ID}, bson.M{"$set": set("participants.$[p].")}, []*options.UpdateOptions{participant}},
	}

	results := make([]PropagationResult, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res := PropagationResult{Target: job.target}
			if job.col == nil {
				results[i] = res
				return nil
			}
			ur, err := job.col.UpdateMany(ctx, job.filter, job.update, job.opts...)
			if err != nil {
				res.Err = err
				p.log.Warn("snapshot propagation failed",
					zap.String("collection", job.target),
					zap.String("profile_id", prof.ID.Hex()),
					zap.Error(err),
				)
			} else if ur != nil {
				res.Matched, res.Modified = ur.MatchedCount, ur.ModifiedCount
			}
			p.record(job.target, err)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Propagator) record(target string, err error) {
	if p.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metrics.Propagation.WithLabelValues(target, result).Inc()
}
