package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mutualaid/backend/internal/models"
	"github.com/mutualaid/backend/internal/observability"
	"github.com/mutualaid/backend/internal/storage"
)

// fakeResult decodes doc through BSON the way a real single result would.
type fakeResult struct {
	doc interface{}
	err error
}

func (r fakeResult) Decode(v interface{}) error {
	if r.err != nil {
		return r.err
	}
	b, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(b, v)
}

// fakeProfileCollection keeps profiles in memory. Only the filters and
// updates the service issues are understood.
type fakeProfileCollection struct {
	mu        sync.Mutex
	byID      map[primitive.ObjectID]*models.Profile
	pages     []interface{}
	counts    []interface{}
	aggErr    error
	pipelines []mongo.Pipeline
	insertErr error
	updates   []bson.M
	// afterFindOne runs once a FindOne has read its document.
	afterFindOne func()
}

func newFakeProfiles(profiles ...*models.Profile) *fakeProfileCollection {
	f := &fakeProfileCollection{byID: map[primitive.ObjectID]*models.Profile{}}
	for _, p := range profiles {
		f.byID[p.ID] = p
	}
	return f
}

func (f *fakeProfileCollection) Aggregate(_ context.Context, pipeline interface{}, _ ...*options.AggregateOptions) (*mongo.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := pipeline.(mongo.Pipeline)
	f.pipelines = append(f.pipelines, p)
	if f.aggErr != nil {
		return nil, f.aggErr
	}
	docs := f.pages
	if p[len(p)-1][0].Key == "$group" {
		docs = f.counts
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func (f *fakeProfileCollection) find(filter interface{}) *models.Profile {
	m := filter.(bson.M)
	for _, p := range f.byID {
		if id, ok := m["_id"]; ok && id == p.ID {
			return p
		}
		if auth, ok := m["auth_id"]; ok && auth == p.AuthID {
			return p
		}
	}
	return nil
}

func (f *fakeProfileCollection) FindOne(_ context.Context, filter interface{}, _ ...*options.FindOneOptions) decoder {
	f.mu.Lock()
	res := fakeResult{err: mongo.ErrNoDocuments}
	if p := f.find(filter); p != nil {
		cp := *p
		res = fakeResult{doc: &cp}
	}
	hook := f.afterFindOne
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res
}

func (f *fakeProfileCollection) FindOneAndUpdate(_ context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) decoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := update.(bson.M)
	f.updates = append(f.updates, u)

	p := f.find(filter)
	if p == nil {
		return fakeResult{err: mongo.ErrNoDocuments}
	}
	before := *p

	doc, _ := bson.Marshal(p)
	var raw bson.M
	_ = bson.Unmarshal(doc, &raw)
	if set, ok := u["$set"].(bson.M); ok {
		for k, v := range set {
			raw[k] = v
		}
	}
	if unset, ok := u["$unset"].(bson.M); ok {
		for k := range unset {
			delete(raw, k)
		}
	}
	doc, _ = bson.Marshal(raw)
	var after models.Profile
	_ = bson.Unmarshal(doc, &after)
	f.byID[after.ID] = &after

	if len(opts) > 0 && opts[0].ReturnDocument != nil && *opts[0].ReturnDocument == options.Before {
		return fakeResult{doc: &before}
	}
	return fakeResult{doc: &after}
}

func (f *fakeProfileCollection) InsertOne(_ context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	p := document.(models.Profile)
	f.byID[p.ID] = &p
	return &mongo.InsertOneResult{InsertedID: p.ID}, nil
}

// memCache mirrors the Redis cache: invalidation leaves a tombstone that
// refuses fills until cleared.
type memCache struct {
	mu          sync.Mutex
	items       map[string]*models.Profile
	tombstones  map[string]bool
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{items: map[string]*models.Profile{}, tombstones: map[string]bool{}}
}

func (c *memCache) Get(_ context.Context, id string) (*models.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.items[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, errors.New("miss")
}

func (c *memCache) Fill(_ context.Context, p *models.Profile) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := p.ID.Hex()
	if _, ok := c.items[id]; ok || c.tombstones[id] {
		return false, nil
	}
	cp := *p
	c.items[id] = &cp
	return true, nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	c.tombstones[id] = true
	c.invalidated = append(c.invalidated, id)
	return nil
}

// expire drops every tombstone, as if the marker TTL had passed.
func (c *memCache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tombstones = map[string]bool{}
}

type fakePhotos struct {
	uploaded []string
	deleted  []string
	owners   []string
	err      error
}

func (p *fakePhotos) Upload(_ context.Context, ownerID, filename, _ string, r io.Reader) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	_, _ = io.ReadAll(r)
	ref := "/uploads/avatars/" + ownerID + "/" + filename
	p.uploaded = append(p.uploaded, ref)
	return ref, nil
}

func (p *fakePhotos) Delete(_ context.Context, ownerID, ref string) error {
	p.deleted = append(p.deleted, ref)
	p.owners = append(p.owners, ownerID)
	return nil
}

func seedProfile(authID string, mods ...func(*models.Profile)) *models.Profile {
	p := &models.Profile{
		ID:          primitive.NewObjectID(),
		AuthID:      authID,
		Email:       authID + "@example.org",
		Type:        models.ProfileTypeIndividual,
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Location:    &models.Location{Type: "Point", Coordinates: []float64{-0.12, 51.5}, City: "London"},
		Role:        models.RoleUser,
		NotifyPrefs: models.AllNotifications(),
	}
	for _, m := range mods {
		m(p)
	}
	return p
}

type serviceFixture struct {
	svc      *MongoProfileService
	profiles *fakeProfileCollection
	posts    *fakeSnapshots
	comments *fakeSnapshots
	threads  *fakeSnapshots
	cache    *memCache
	photos   *fakePhotos
	metrics  *observability.Metrics
}

func newFixture(seed ...*models.Profile) *serviceFixture {
	fx := &serviceFixture{
		profiles: newFakeProfiles(seed...),
		posts:    &fakeSnapshots{},
		comments: &fakeSnapshots{},
		threads:  &fakeSnapshots{},
		cache:    newMemCache(),
		photos:   &fakePhotos{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	prop := NewPropagator(fx.posts, fx.comments, fx.threads, time.Second, nil, fx.metrics)
	fx.svc = newProfileService(fx.profiles, prop, ProfileServiceConfig{
		Cache:   fx.cache,
		Photos:  fx.photos,
		Tokens:  NewUnsubscribeTokens("s3cret", time.Hour),
		Metrics: fx.metrics,
	})
	return fx
}

func (fx *serviceFixture) propagationCalls() int {
	return len(fx.posts.calls) + len(fx.comments.calls) + len(fx.threads.calls)
}

func TestSearchUsesRequesterLocation(t *testing.T) {
	me := seedProfile("me")
	fx := newFixture(me)
	fx.profiles.pages = []interface{}{bson.M{"_id": primitive.NewObjectID(), "first_name": "Bo", "distance": 12.5, "hide_address": false}}
	fx.profiles.counts = []interface{}{bson.M{"_id": nil, "count": int64(41)}}

	page, err := fx.svc.Search(context.Background(), &models.Identity{AuthID: "me"}, SearchParams{IncludeMeta: true})
	require.NoError(t, err)

	assert.Equal(t, int64(41), page.Meta.Total)
	require.Len(t, page.Data, 1)
	require.NotNil(t, page.Data[0].Distance)
	assert.Equal(t, 12.5, *page.Data[0].Distance)

	require.Len(t, fx.profiles.pipelines, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.SearchPlans.WithLabelValues("geo")))
}

func TestSearchWithoutMetaSkipsCount(t *testing.T) {
	fx := newFixture()

	page, err := fx.svc.Search(context.Background(), nil, SearchParams{})
	require.NoError(t, err)

	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)
	require.Len(t, fx.profiles.pipelines, 1)
	assert.Equal(t, "$match", fx.profiles.pipelines[0][0][0].Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.SearchPlans.WithLabelValues("default")))
}

func TestSearchEmptyCountIsZero(t *testing.T) {
	fx := newFixture()

	page, err := fx.svc.Search(context.Background(), nil, SearchParams{Keywords: "nobody", IncludeMeta: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Meta.Total)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.SearchPlans.WithLabelValues("text")))
}

func TestSearchSanitizesHiddenEntries(t *testing.T) {
	fx := newFixture()
	fx.profiles.pages = []interface{}{
		bson.M{"_id": primitive.NewObjectID(), "hide_address": true, "distance": 3.0, "location": bson.M{"city": "Oslo"}},
		bson.M{"_id": primitive.NewObjectID(), "hide_address": false, "location": bson.M{"city": "Rome", "coordinates": bson.A{12.5, 41.9}}},
	}

	page, err := fx.svc.Search(context.Background(), nil, SearchParams{Location: models.NewPoint(10, 45)})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)

	assert.Nil(t, page.Data[0].Location)
	assert.Nil(t, page.Data[0].Distance)
	require.NotNil(t, page.Data[1].Location)
	assert.Equal(t, "Rome", page.Data[1].Location.City)
	assert.Nil(t, page.Data[1].Location.Coordinates)
}

func TestSearchOverrideSkipsRequesterLookup(t *testing.T) {
	fx := newFixture()

	_, err := fx.svc.Search(context.Background(), &models.Identity{AuthID: "ghost"}, SearchParams{Location: models.NewPoint(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, "$geoNear", fx.profiles.pipelines[0][0][0].Key)
}

func TestSearchPropagatesStoreFailure(t *testing.T) {
	fx := newFixture()
	fx.profiles.aggErr = errors.New("socket closed")

	_, err := fx.svc.Search(context.Background(), nil, SearchParams{IncludeMeta: true})
	assert.Error(t, err)
}

func TestGetProfilePrivacy(t *testing.T) {
	hidden := seedProfile("owner", func(p *models.Profile) { p.HideAddress = true })
	fx := newFixture(hidden)

	anon, err := fx.svc.GetProfile(context.Background(), nil, hidden.ID.Hex())
	require.NoError(t, err)
	assert.False(t, anon.OwnUser)
	assert.Nil(t, anon.Location)
	assert.Empty(t, anon.Email)
	assert.Nil(t, anon.NotifyPrefs)
	assert.Nil(t, anon.UsesPassword)

	own, err := fx.svc.GetProfile(context.Background(), &models.Identity{AuthID: "owner"}, hidden.ID.Hex())
	require.NoError(t, err)
	assert.True(t, own.OwnUser)
	require.NotNil(t, own.Location)
	assert.Equal(t, "London", own.Location.City)
	assert.Nil(t, own.Location.Coordinates)
	assert.Equal(t, "owner@example.org", own.Email)
	require.NotNil(t, own.UsesPassword)
}

func TestGetProfileCachesAndMisses(t *testing.T) {
	prof := seedProfile("a")
	fx := newFixture(prof)

	_, err := fx.svc.GetProfile(context.Background(), nil, prof.ID.Hex())
	require.NoError(t, err)
	assert.Contains(t, fx.cache.items, prof.ID.Hex())

	_, err = fx.svc.GetProfile(context.Background(), nil, "zzz")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = fx.svc.GetProfile(context.Background(), nil, primitive.NewObjectID().Hex())
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestCreateProfile(t *testing.T) {
	fx := newFixture()
	identity := &models.Identity{AuthID: "new", Email: "new@example.org", EmailVerified: true, UsesPassword: true}
	req := &models.CreateProfileRequest{FirstName: " Grace ", LastName: "Hopper", Location: &models.Location{City: "NYC"}}

	view, err := fx.svc.CreateProfile(context.Background(), identity, req)
	require.NoError(t, err)
	assert.Equal(t, "Grace", view.FirstName)
	assert.Equal(t, models.RoleUser, view.Role)
	assert.True(t, view.OwnUser)
	require.NotNil(t, view.UsesPassword)
	assert.True(t, *view.UsesPassword)

	_, err = fx.svc.CreateProfile(context.Background(), identity, req)
	assert.ErrorIs(t, err, ErrProfileExists)
}

func TestCreateProfileRejects(t *testing.T) {
	fx := newFixture()
	req := &models.CreateProfileRequest{FirstName: "A", LastName: "B"}

	_, err := fx.svc.CreateProfile(context.Background(), nil, req)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = fx.svc.CreateProfile(context.Background(), &models.Identity{AuthID: "x"}, req)
	assert.ErrorIs(t, err, ErrEmailNotVerified)

	fx.profiles.insertErr = mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "dup"}}}
	_, err = fx.svc.CreateProfile(context.Background(), &models.Identity{AuthID: "x", EmailVerified: true}, req)
	assert.ErrorIs(t, err, ErrProfileExists)
}

func TestUpdateProfileNamePropagates(t *testing.T) {
	prof := seedProfile("me")
	fx := newFixture(prof)
	name := "Augusta"

	view, err := fx.svc.UpdateProfile(context.Background(), &models.Identity{AuthID: "me"}, &models.UpdateProfileRequest{FirstName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Augusta", view.FirstName)
	assert.Contains(t, fx.cache.invalidated, prof.ID.Hex())

	set := fx.posts.only(t).update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, "Augusta Lovelace", set["author.name"])
	assert.NotContains(t, set, "author.photo")
	fx.comments.only(t)
	fx.threads.only(t)
}

func TestUpdateProfileWithoutSnapshotFieldsDoesNotPropagate(t *testing.T) {
	fx := newFixture(seedProfile("me"))
	about := "retired mathematician"

	view, err := fx.svc.UpdateProfile(context.Background(), &models.Identity{AuthID: "me"}, &models.UpdateProfileRequest{About: &about})
	require.NoError(t, err)
	assert.Equal(t, about, view.About)
	assert.Zero(t, fx.propagationCalls())
}

func TestUpdateProfileSurvivesPropagationFailure(t *testing.T) {
	fx := newFixture(seedProfile("me"))
	fx.threads.err = errors.New("threads offline")
	last := "Byron"

	view, err := fx.svc.UpdateProfile(context.Background(), &models.Identity{AuthID: "me"}, &models.UpdateProfileRequest{LastName: &last})
	require.NoError(t, err)
	assert.Equal(t, "Byron", view.LastName)
	fx.posts.only(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Propagation.WithLabelValues(TargetThreads, "error")))
}

func TestUpdateProfileUnknownCaller(t *testing.T) {
	fx := newFixture()
	about := "x"
	_, err := fx.svc.UpdateProfile(context.Background(), &models.Identity{AuthID: "nobody"}, &models.UpdateProfileRequest{About: &about})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestUploadAvatarReplacesPhoto(t *testing.T) {
	prof := seedProfile("me", func(p *models.Profile) { p.Photo = "/uploads/avatars/old.png" })
	fx := newFixture(prof)

	view, err := fx.svc.UploadAvatar(context.Background(), &models.Identity{AuthID: "me"}, "new.png", "image/png", bytes.NewReader([]byte("img")))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(view.Photo, "/new.png"))
	assert.Equal(t, []string{"/uploads/avatars/old.png"}, fx.photos.deleted)
	assert.Equal(t, []string{prof.ID.Hex()}, fx.photos.owners)
	set := fx.posts.only(t).update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, view.Photo, *set["author.photo"].(*string))
}

func TestUploadAvatarWithoutStore(t *testing.T) {
	fx := newFixture(seedProfile("me"))
	fx.svc.photos = nil

	_, err := fx.svc.UploadAvatar(context.Background(), &models.Identity{AuthID: "me"}, "a.png", "image/png", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrNoPhotoStore)
}

func TestDeleteAvatarPropagatesNull(t *testing.T) {
	prof := seedProfile("me", func(p *models.Profile) { p.Photo = "/uploads/avatars/me.png" })
	fx := newFixture(prof)

	view, err := fx.svc.DeleteAvatar(context.Background(), &models.Identity{AuthID: "me"})
	require.NoError(t, err)
	assert.Empty(t, view.Photo)
	assert.Equal(t, []string{"/uploads/avatars/me.png"}, fx.photos.deleted)
	assert.Equal(t, []string{prof.ID.Hex()}, fx.photos.owners)

	set := fx.threads.only(t).update.(bson.M)["$set"].(bson.M)
	assert.Nil(t, set["participants.$[p].photo"].(*string))
}

func TestSetRole(t *testing.T) {
	admin := seedProfile("admin", func(p *models.Profile) { p.Role = models.RoleAdmin })
	user := seedProfile("user")
	fx := newFixture(admin, user)

	view, err := fx.svc.SetRole(context.Background(), &models.Identity{AuthID: "admin"}, user.ID.Hex(), "Moderator")
	require.NoError(t, err)
	assert.Equal(t, models.RoleModerator, view.Role)
	assert.False(t, view.OwnUser)

	_, err = fx.svc.SetRole(context.Background(), &models.Identity{AuthID: "user"}, admin.ID.Hex(), "user")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = fx.svc.SetRole(context.Background(), &models.Identity{AuthID: "admin"}, user.ID.Hex(), "owner")
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = fx.svc.SetRole(context.Background(), &models.Identity{AuthID: "admin"}, primitive.NewObjectID().Hex(), "user")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestUnsubscribeClearsPrefs(t *testing.T) {
	prof := seedProfile("me")
	fx := newFixture(prof)

	token, err := fx.svc.IssueUnsubscribeToken(prof.ID)
	require.NoError(t, err)
	require.NoError(t, fx.svc.Unsubscribe(context.Background(), token))

	assert.Equal(t, models.NotificationPrefs{}, fx.profiles.byID[prof.ID].NotifyPrefs)

	assert.ErrorIs(t, fx.svc.Unsubscribe(context.Background(), token+"x"), ErrInvalidToken)

	ghost, err := fx.svc.IssueUnsubscribeToken(primitive.NewObjectID())
	require.NoError(t, err)
	assert.ErrorIs(t, fx.svc.Unsubscribe(context.Background(), ghost), ErrProfileNotFound)
}

func TestApplyAvatarFromWorker(t *testing.T) {
	prof := seedProfile("me", func(p *models.Profile) { p.Photo = "https://old" })
	fx := newFixture(prof)

	view, err := fx.svc.ApplyAvatar(context.Background(), prof.ID.Hex(), "https://new")
	require.NoError(t, err)
	assert.Equal(t, "https://new", view.Photo)
	assert.Equal(t, []string{"https://old"}, fx.photos.deleted)
	assert.Equal(t, []string{prof.ID.Hex()}, fx.photos.owners)
	assert.Equal(t, "https://new", fx.profiles.byID[prof.ID].Photo)

	set := fx.comments.only(t).update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, "https://new", *set["author.photo"].(*string))

	_, err = fx.svc.ApplyAvatar(context.Background(), primitive.NewObjectID().Hex(), "https://x")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestUpdateProfileRejectsClientPhoto(t *testing.T) {
	prof := seedProfile("me", func(p *models.Profile) { p.Photo = "/uploads/avatars/me.png" })
	fx := newFixture(prof)
	ref := "/uploads/avatars/someone-else/face.png"

	_, err := fx.svc.UpdateProfile(context.Background(), &models.Identity{AuthID: "me"}, &models.UpdateProfileRequest{Photo: &ref})
	assert.ErrorIs(t, err, ErrPhotoNotAllowed)
	assert.True(t, IsBadRequest(err))
	assert.Empty(t, fx.profiles.updates)
	assert.Equal(t, "/uploads/avatars/me.png", fx.profiles.byID[prof.ID].Photo)

	none := ""
	view, err := fx.svc.UpdateProfile(context.Background(), &models.Identity{AuthID: "me"}, &models.UpdateProfileRequest{Photo: &none})
	require.NoError(t, err)
	assert.Empty(t, view.Photo)
}

func TestAvatarCleanupKeepsOtherOwnersFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalPhotoStore(dir, "/uploads")
	require.NoError(t, err)

	victim := seedProfile("victim")
	attacker := seedProfile("attacker")
	fx := newFixture(victim, attacker)
	fx.svc.photos = store
	ctx := context.Background()

	view, err := fx.svc.UploadAvatar(ctx, &models.Identity{AuthID: "victim"}, "me.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	victimRef := view.Photo
	victimFile := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(victimRef, "/uploads/")))

	_, err = fx.svc.UpdateProfile(ctx, &models.Identity{AuthID: "attacker"}, &models.UpdateProfileRequest{Photo: &victimRef})
	require.ErrorIs(t, err, ErrPhotoNotAllowed)

	// A foreign ref already stored on the attacker's profile is still not deletable by them.
	fx.profiles.byID[attacker.ID].Photo = victimRef
	_, err = fx.svc.DeleteAvatar(ctx, &models.Identity{AuthID: "attacker"})
	require.NoError(t, err)
	_, err = os.Stat(victimFile)
	require.NoError(t, err)

	fx.profiles.byID[attacker.ID].Photo = victimRef
	_, err = fx.svc.UploadAvatar(ctx, &models.Identity{AuthID: "attacker"}, "mine.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	_, err = os.Stat(victimFile)
	require.NoError(t, err)
	assert.Equal(t, victimRef, fx.profiles.byID[victim.ID].Photo)

	// The owner can still replace their own photo.
	_, err = fx.svc.UploadAvatar(ctx, &models.Identity{AuthID: "victim"}, "new.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	_, err = os.Stat(victimFile)
	assert.True(t, os.IsNotExist(err))
}

func TestGetProfileDoesNotCacheReadOverlappingUpdate(t *testing.T) {
	prof := seedProfile("owner")
	fx := newFixture(prof)
	ctx := context.Background()

	var once sync.Once
	fx.profiles.afterFindOne = func() {
		once.Do(func() {
			hide := true
			_, err := fx.svc.UpdateProfile(ctx, &models.Identity{AuthID: "owner"}, &models.UpdateProfileRequest{HideAddress: &hide})
			require.NoError(t, err)
		})
	}

	// This read started before the update and may report the old address.
	_, err := fx.svc.GetProfile(ctx, nil, prof.ID.Hex())
	require.NoError(t, err)
	assert.NotContains(t, fx.cache.items, prof.ID.Hex())

	anon, err := fx.svc.GetProfile(ctx, nil, prof.ID.Hex())
	require.NoError(t, err)
	assert.Nil(t, anon.Location)

	fx.cache.expire()
	_, err = fx.svc.GetProfile(ctx, nil, prof.ID.Hex())
	require.NoError(t, err)
	require.Contains(t, fx.cache.items, prof.ID.Hex())
	assert.True(t, fx.cache.items[prof.ID.Hex()].HideAddress)
}

func TestGetProfileSkipsFillAfterSlowRead(t *testing.T) {
	prof := seedProfile("a")
	fx := newFixture(prof)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fx.svc.now = func() time.Time { return clock }
	fx.profiles.afterFindOne = func() { clock = clock.Add(DefaultCacheFillWindow) }

	_, err := fx.svc.GetProfile(context.Background(), nil, prof.ID.Hex())
	require.NoError(t, err)
	assert.NotContains(t, fx.cache.items, prof.ID.Hex())

	fx.profiles.afterFindOne = nil
	_, err = fx.svc.GetProfile(context.Background(), nil, prof.ID.Hex())
	require.NoError(t, err)
	assert.Contains(t, fx.cache.items, prof.ID.Hex())
}
