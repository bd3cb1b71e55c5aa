package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mutualaid/backend/internal/models"
	"github.com/mutualaid/backend/internal/observability"
)

// decoder is satisfied by *mongo.SingleResult.
type decoder interface {
	Decode(v interface{}) error
}

// profileCollection is the slice of the profiles collection the service uses.
type profileCollection interface {
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) decoder
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) decoder
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

type mongoProfiles struct {
	col *mongo.Collection
}

func (m mongoProfiles) Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error) {
	return m.col.Aggregate(ctx, pipeline, opts...)
}

func (m mongoProfiles) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) decoder {
	return m.col.FindOne(ctx, filter, opts...)
}

func (m mongoProfiles) FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) decoder {
	return m.col.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (m mongoProfiles) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	return m.col.InsertOne(ctx, document, opts...)
}

// ProfileCache holds whole profile documents keyed by hex id. Fill must not
// overwrite a document or a recent invalidation.
type ProfileCache interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	Fill(ctx context.Context, p *models.Profile) (bool, error)
	Invalidate(ctx context.Context, id string) error
}

// PhotoStore turns uploaded bytes into a stable photo reference. Delete
// refuses refs that were not uploaded for ownerID.
type PhotoStore interface {
	Upload(ctx context.Context, ownerID, filename, contentType string, r io.Reader) (string, error)
	Delete(ctx context.Context, ownerID, ref string) error
}

// DefaultCacheFillWindow bounds how long a load may take and still be cached.
const DefaultCacheFillWindow = 5 * time.Second

type ProfileServiceConfig struct {
	Cache    ProfileCache
	Photos   PhotoStore
	Tokens   *UnsubscribeTokens
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	PageSize int64
	// CacheFillWindow must stay below the cache's invalidation marker TTL.
	CacheFillWindow time.Duration
}

type MongoProfileService struct {
	profilesCol profileCollection
	propagator  *Propagator
	cache       ProfileCache
	photos      PhotoStore
	tokens      *UnsubscribeTokens
	log         *zap.Logger
	metrics     *observability.Metrics
	pageSize    int64
	fillWindow  time.Duration
	now         func() time.Time
}

func NewMongoProfileService(profiles *mongo.Collection, propagator *Propagator, cfg ProfileServiceConfig) *MongoProfileService {
	return newProfileService(mongoProfiles{col: profiles}, propagator, cfg)
}

func newProfileService(profiles profileCollection, propagator *Propagator, cfg ProfileServiceConfig) *MongoProfileService {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	fillWindow := cfg.CacheFillWindow
	if fillWindow <= 0 {
		fillWindow = DefaultCacheFillWindow
	}
	return &MongoProfileService{
		profilesCol: profiles,
		propagator:  propagator,
		cache:       cfg.Cache,
		photos:      cfg.Photos,
		tokens:      cfg.Tokens,
		log:         log,
		metrics:     cfg.Metrics,
		pageSize:    cfg.PageSize,
		fillWindow:  fillWindow,
		now:         time.Now,
	}
}

// Search runs the directory query. The page and the total are computed by
// two independent aggregations issued concurrently, so under write churn they
// may disagree slightly.
func (s *MongoProfileService) Search(ctx context.Context, viewer *models.Identity, params SearchParams) (*models.SearchPage, error) {
	var requester *models.Profile
	if viewer != nil && params.Location == nil && !params.IgnoreUserLocation {
		prof, err := s.findByAuthID(ctx, viewer.AuthID)
		switch {
		case err == nil:
			requester = prof
		case errors.Is(err, ErrProfileNotFound):
			// Authenticated but not registered yet: no stored location.
		default:
			return nil, err
		}
	}

	fs := assembleFilters(params, requester)
	plan := selectPlan(fs)
	skip, limit := pageWindow(params.Skip, params.Limit, s.pageSize)

	page := &models.SearchPage{Data: []models.DirectoryEntry{}}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cur, err := s.profilesCol.Aggregate(gctx, buildSearchPipeline(plan, fs, skip, limit))
		if err != nil {
			return fmt.Errorf("search %s plan: %w", plan.name(), err)
		}
		var entries []models.DirectoryEntry
		if err := cur.All(gctx, &entries); err != nil {
			return fmt.Errorf("decode %s plan: %w", plan.name(), err)
		}
		for i := range entries {
			sanitizeEntry(&entries[i])
		}
		if entries != nil {
			page.Data = entries
		}
		return nil
	})
	if params.IncludeMeta {
		g.Go(func() error {
			total, err := s.count(gctx, plan, fs)
			if err != nil {
				return err
			}
			page.Meta.Total = total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SearchPlans.WithLabelValues(plan.name()).Inc()
	}
	return page, nil
}

// count reports 0 when the group stage produced no document.
func (s *MongoProfileService) count(ctx context.Context, plan rankingPlan, fs filterSet) (int64, error) {
	cur, err := s.profilesCol.Aggregate(ctx, buildCountPipeline(plan, fs))
	if err != nil {
		return 0, fmt.Errorf("count %s plan: %w", plan.name(), err)
	}
	var rows []struct {
		Count int64 `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}

// sanitizeEntry enforces the projection rules on decoded entries as well.
func sanitizeEntry(e *models.DirectoryEntry) {
	if e.HideAddress {
		e.Location = nil
		e.Distance = nil
		return
	}
	e.Location = e.Location.WithoutCoordinates()
}

// GetProfile returns the subject profile as seen by viewer (nil for anonymous).
// A profile deleted while we look it up is reported as not found.
func (s *MongoProfileService) GetProfile(ctx context.Context, viewer *models.Identity, id string) (*models.ProfileView, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrProfileNotFound
	}
	prof, err := s.loadByID(ctx, oid)
	if err != nil {
		return nil, err
	}
	own := viewer != nil && viewer.AuthID != "" && viewer.AuthID == prof.AuthID
	return viewOf(prof, own), nil
}

func (s *MongoProfileService) GetOwnProfile(ctx context.Context, viewer *models.Identity) (*models.ProfileView, error) {
	if viewer == nil {
		return nil, ErrForbidden
	}
	prof, err := s.findByAuthID(ctx, viewer.AuthID)
	if err != nil {
		return nil, err
	}
	return viewOf(prof, true), nil
}

// CreateProfile registers a profile for a verified identity.
func (s *MongoProfileService) CreateProfile(ctx context.Context, identity *models.Identity, req *models.CreateProfileRequest) (*models.ProfileView, error) {
	if identity == nil || identity.AuthID == "" {
		return nil, ErrForbidden
	}
	if !identity.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	if _, err := s.findByAuthID(ctx, identity.AuthID); err == nil {
		return nil, ErrProfileExists
	} else if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	prof := models.Profile{
		ID:           primitive.NewObjectID(),
		AuthID:       identity.AuthID,
		Email:        identity.Email,
		Type:         models.ProfileTypeIndividual,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		About:        req.About,
		Location:     normalizeLocation(req.Location),
		HideAddress:  req.HideAddress,
		Role:         models.RoleUser,
		NotifyPrefs:  models.AllNotifications(),
		UsesPassword: identity.UsesPassword,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Needs != nil {
		prof.Needs = *req.Needs
	}
	if req.Objectives != nil {
		prof.Objectives = *req.Objectives
	}

	if _, err := s.profilesCol.InsertOne(ctx, prof); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrProfileExists
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return viewOf(&prof, true), nil
}

// UpdateProfile merges req onto the caller's profile. When a name or photo
// field is submitted the change is propagated to every snapshot; propagation
// problems never fail the update. The photo can only be cleared here; new
// photos go through UploadAvatar.
func (s *MongoProfileService) UpdateProfile(ctx context.Context, viewer *models.Identity, req *models.UpdateProfileRequest) (*models.ProfileView, error) {
	if req.Photo != nil && *req.Photo != "" {
		return nil, ErrPhotoNotAllowed
	}
	return s.updateProfile(ctx, viewer, req)
}

func (s *MongoProfileService) updateProfile(ctx context.Context, viewer *models.Identity, req *models.UpdateProfileRequest) (*models.ProfileView, error) {
	if viewer == nil {
		return nil, ErrForbidden
	}

	set := bson.M{"updated_at": s.now().UTC()}
	unset := bson.M{}
	if req.FirstName != nil {
		set["first_name"] = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		set["last_name"] = strings.TrimSpace(*req.LastName)
	}
	if req.About != nil {
		set["about"] = *req.About
	}
	if req.Location != nil {
		set["location"] = normalizeLocation(req.Location)
	}
	if req.HideAddress != nil {
		set["hide_address"] = *req.HideAddress
	}
	if req.Needs != nil {
		set["needs"] = *req.Needs
	}
	if req.Objectives != nil {
		set["objectives"] = *req.Objectives
	}
	if req.URLs != nil {
		set["urls"] = req.URLs
	}
	if req.NotifyPrefs != nil {
		set["notify_prefs"] = *req.NotifyPrefs
	}
	if req.Photo != nil {
		if *req.Photo == "" {
			unset["photo"] = ""
		} else {
			set["photo"] = *req.Photo
		}
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var prof models.Profile
	err := s.profilesCol.FindOneAndUpdate(
		ctx,
		bson.M{"auth_id": viewer.AuthID},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&prof)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}

	s.invalidate(ctx, prof.ID)
	if req.TouchesSnapshot() {
		s.propagate(ctx, &prof, SnapshotFields{
			Name:  req.FirstName != nil || req.LastName != nil,
			Photo: req.Photo != nil,
		})
	}
	return viewOf(&prof, true), nil
}

// UploadAvatar stores the bytes and points the caller's photo at them.
func (s *MongoProfileService) UploadAvatar(ctx context.Context, viewer *models.Identity, filename, contentType string, r io.Reader) (*models.ProfileView, error) {
	if s.photos == nil {
		return nil, ErrNoPhotoStore
	}
	if viewer == nil {
		return nil, ErrForbidden
	}
	prev, err := s.findByAuthID(ctx, viewer.AuthID)
	if err != nil {
		return nil, err
	}

	ref, err := s.photos.Upload(ctx, prev.ID.Hex(), filename, contentType, r)
	if err != nil {
		return nil, fmt.Errorf("upload avatar: %w", err)
	}

	owner := prev.ID.Hex()
	view, err := s.updateProfile(ctx, viewer, &models.UpdateProfileRequest{Photo: &ref})
	if err != nil {
		s.deletePhoto(ctx, owner, ref)
		return nil, err
	}
	if prev.Photo != "" && prev.Photo != ref {
		s.deletePhoto(ctx, owner, prev.Photo)
	}
	return view, nil
}

// DeleteAvatar clears the caller's photo and propagates the null photo.
func (s *MongoProfileService) DeleteAvatar(ctx context.Context, viewer *models.Identity) (*models.ProfileView, error) {
	if viewer == nil {
		return nil, ErrForbidden
	}

	var prev models.Profile
	err := s.profilesCol.FindOneAndUpdate(
		ctx,
		bson.M{"auth_id": viewer.AuthID},
		bson.M{"$unset": bson.M{"photo": ""}, "$set": bson.M{"updated_at": s.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&prev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("delete avatar: %w", err)
	}

	prof := prev
	prof.Photo = ""
	s.invalidate(ctx, prof.ID)
	s.propagate(ctx, &prof, SnapshotFields{Photo: true})
	if prev.Photo != "" {
		s.deletePhoto(ctx, prev.ID.Hex(), prev.Photo)
	}
	return viewOf(&prof, true), nil
}

// ApplyAvatar points a profile at an avatar that was stored out of band,
// such as a promoted direct upload, and propagates it.
func (s *MongoProfileService) ApplyAvatar(ctx context.Context, profileID, ref string) (*models.ProfileView, error) {
	oid, err := primitive.ObjectIDFromHex(profileID)
	if err != nil {
		return nil, ErrProfileNotFound
	}

	var prev models.Profile
	err = s.profilesCol.FindOneAndUpdate(
		ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"photo": ref, "updated_at": s.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&prev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("apply avatar: %w", err)
	}

	prof := prev
	prof.Photo = ref
	s.invalidate(ctx, prof.ID)
	s.propagate(ctx, &prof, SnapshotFields{Photo: true})
	if prev.Photo != "" && prev.Photo != ref {
		s.deletePhoto(ctx, prev.ID.Hex(), prev.Photo)
	}
	return viewOf(&prof, true), nil
}

// SetRole changes the subject's role. Only admins may do this.
func (s *MongoProfileService) SetRole(ctx context.Context, actor *models.Identity, subjectID, roleName string) (*models.ProfileView, error) {
	role, ok := models.ParseRole(roleName)
	if !ok {
		return nil, ErrInvalidRole
	}
	if actor == nil {
		return nil, ErrForbidden
	}
	admin, err := s.findByAuthID(ctx, actor.AuthID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	if admin.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	oid, err := primitive.ObjectIDFromHex(subjectID)
	if err != nil {
		return nil, ErrProfileNotFound
	}
	var prof models.Profile
	err = s.profilesCol.FindOneAndUpdate(
		ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"role": role, "updated_at": s.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&prof)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("set role: %w", err)
	}
	s.invalidate(ctx, prof.ID)
	return viewOf(&prof, prof.AuthID == actor.AuthID), nil
}

// Unsubscribe turns off every notification preference of the token's subject.
func (s *MongoProfileService) Unsubscribe(ctx context.Context, token string) error {
	if s.tokens == nil {
		return ErrInvalidToken
	}
	payload, err := s.tokens.Verify(token)
	if err != nil {
		return err
	}

	var prof models.Profile
	err = s.profilesCol.FindOneAndUpdate(
		ctx,
		bson.M{"_id": payload.ProfileID},
		bson.M{"$set": bson.M{"notify_prefs": models.NotificationPrefs{}, "updated_at": s.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&prof)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrProfileNotFound
		}
		return fmt.Errorf("unsubscribe: %w", err)
	}
	s.invalidate(ctx, prof.ID)
	return nil
}

// IssueUnsubscribeToken mints the token embedded in outbound mail.
func (s *MongoProfileService) IssueUnsubscribeToken(profileID primitive.ObjectID) (string, error) {
	if s.tokens == nil {
		return "", ErrInvalidToken
	}
	return s.tokens.Issue(profileID)
}

func (s *MongoProfileService) findByAuthID(ctx context.Context, authID string) (*models.Profile, error) {
	if authID == "" {
		return nil, ErrProfileNotFound
	}
	var prof models.Profile
	if err := s.profilesCol.FindOne(ctx, bson.M{"auth_id": authID}).Decode(&prof); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return &prof, nil
}

func (s *MongoProfileService) loadByID(ctx context.Context, id primitive.ObjectID) (*models.Profile, error) {
	if s.cache != nil {
		if prof, err := s.cache.Get(ctx, id.Hex()); err == nil && prof != nil {
			return prof, nil
		}
	}

	start := s.now()
	var prof models.Profile
	if err := s.profilesCol.FindOne(ctx, bson.M{"_id": id}).Decode(&prof); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("find profile: %w", err)
	}

	// A slow load may predate an invalidation whose marker has expired.
	if s.cache != nil && s.now().Sub(start) < s.fillWindow {
		if _, err := s.cache.Fill(ctx, &prof); err != nil {
			s.log.Debug("profile cache fill failed", zap.String("profile_id", id.Hex()), zap.Error(err))
		}
	}
	return &prof, nil
}

func (s *MongoProfileService) invalidate(ctx context.Context, id primitive.ObjectID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id.Hex()); err != nil {
		s.log.Warn("profile cache invalidation failed", zap.String("profile_id", id.Hex()), zap.Error(err))
	}
}

func (s *MongoProfileService) propagate(ctx context.Context, prof *models.Profile, fields SnapshotFields) {
	if s.propagator == nil {
		return
	}
	s.propagator.Propagate(ctx, prof, fields)
}

func (s *MongoProfileService) deletePhoto(ctx context.Context, ownerID, ref string) {
	if s.photos == nil {
		return
	}
	if err := s.photos.Delete(ctx, ownerID, ref); err != nil {
		s.log.Warn("photo delete failed", zap.String("profile_id", ownerID), zap.String("ref", ref), zap.Error(err))
	}
}

// viewOf projects a stored profile for a viewer. Coordinates never leave the
// service; a hidden address is shown to its owner only.
func viewOf(p *models.Profile, own bool) *models.ProfileView {
	v := &models.ProfileView{
		ID:          p.ID,
		Type:        p.Type,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		About:       p.About,
		Location:    p.Location.WithoutCoordinates(),
		HideAddress: p.HideAddress,
		Needs:       p.Needs,
		Objectives:  p.Objectives,
		Photo:       p.Photo,
		URLs:        p.URLs,
		Role:        p.Role,
		OwnUser:     own,
	}
	if p.HideAddress && !own {
		v.Location = nil
	}
	if own {
		v.Email = p.Email
		prefs := p.NotifyPrefs
		v.NotifyPrefs = &prefs
		usesPassword := p.UsesPassword
		v.UsesPassword = &usesPassword
	}
	return v
}

func normalizeLocation(l *models.Location) *models.Location {
	if l == nil {
		return nil
	}
	out := *l
	if out.HasPoint() {
		out.Type = "Point"
	} else {
		out.Type = ""
		out.Coordinates = nil
	}
	return &out
}
