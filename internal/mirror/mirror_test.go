package mirror

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/database"
	"github.com/lildude/pawmirror/internal/database/databasetest"
	"github.com/lildude/pawmirror/internal/logger"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/refresh"
	"github.com/lildude/pawmirror/internal/strava"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	activityURL  = "https://www.strava.com/activities/42"
	getActivity  = "GET https://www.strava.com/api/v3/activities/42"
	getStreams   = "GET https://www.strava.com/api/v3/activities/42/streams"
	postUpload   = "POST https://www.strava.com/api/v3/uploads"
	refreshToken = "POST https://www.strava.com/oauth/token"
)

type fixture struct {
	svc   *Service
	store *database.Store

	mu      sync.Mutex
	uploads []*http.Request
	gpx     []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewStore(databasetest.New(t))
	oc := strava.OauthConfig("123", "secret", "https://example.com/cb", model.RoleHuman)
	tokens := refresh.New(oc, store, nil, logger.Discard())
	svc := New(store, tokens, Options{TitlePrefix: "🐾 ", AppName: "Pawmirror"}, nil, logger.Discard())
	return &fixture{svc: svc, store: store}
}

func (f *fixture) connect(t *testing.T, roles ...model.Role) {
	t.Helper()
	for i, role := range roles {
		require.NoError(t, f.store.UpsertConnection(context.Background(), &model.Connection{
			UserID:       "user-1",
			Role:         role,
			AthleteID:    int64(100 + i),
			AccessToken:  strings.ToLower(string(role)) + "-access",
			RefreshToken: strings.ToLower(string(role)) + "-refresh",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		}))
	}
}

// strava registers responders for a happy path. Individual tests override them.
func (f *fixture) strava(t *testing.T) {
	t.Helper()
	activity, err := os.ReadFile("testdata/activity.json")
	require.NoError(t, err)
	streams, err := os.ReadFile("testdata/streams.json")
	require.NoError(t, err)

	httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") != "Bearer human-access" {
				return httpmock.NewStringResponse(401, `{"message":"Authorization Error"}`), nil
			}
			return httpmock.NewBytesResponse(200, activity), nil
		})
	httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42/streams",
		httpmock.NewBytesResponder(200, streams))
	httpmock.RegisterResponder("POST", "https://www.strava.com/api/v3/uploads", f.uploadResponder(201, `{"id": 9001, "error": null, "status": "Your activity is still being processed.", "activity_id": null}`))
}

func (f *fixture) uploadResponder(status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") != "Bearer pet-access" {
			return httpmock.NewStringResponse(401, `{"message":"Authorization Error"}`), nil
		}
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
		file, _, err := req.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		doc, _ := io.ReadAll(file)

		f.mu.Lock()
		f.uploads = append(f.uploads, req)
		f.gpx = append(f.gpx, string(doc))
		f.mu.Unlock()
		return httpmock.NewStringResponse(status, body), nil
	}
}

func TestMirrorSuccess(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	f := newFixture(t)
	f.connect(t, model.RoleHuman, model.RolePet)
	f.strava(t)

	res, err := f.svc.Mirror(context.Background(), "user-1", activityURL+"?share_sig=abc")
	require.NoError(t, err)

	assert.Equal(t, int64(9001), res.UploadID)
	assert.Equal(t, int64(42), res.SourceActivity.ID)
	assert.Equal(t, "Morning walk", res.SourceActivity.Name)
	assert.Equal(t, "Walk", res.SourceActivity.SportType)
	assert.Equal(t, time.Date(2024, 5, 4, 7, 15, 0, 0, time.UTC), res.SourceActivity.StartDate)
	require.NotNil(t, res.Mirror)
	assert.Equal(t, model.MirrorDone, res.Mirror.Status)

	stored, err := f.store.GetMirror(context.Background(), "user-1", 42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.MirrorDone, stored.Status)
	require.NotNil(t, stored.UploadID)
	assert.Equal(t, int64(9001), *stored.UploadID)

	require.Len(t, f.uploads, 1)
	up := f.uploads[0]
	assert.Equal(t, "🐾 Morning walk", up.FormValue("name"))
	assert.Equal(t, "Mirrored by Pawmirror", up.FormValue("description"))
	assert.Equal(t, "gpx", up.FormValue("data_type"))
	assert.Equal(t, "pawmirror-42.gpx", up.FormValue("external_id"))
	assert.Equal(t, "Walk", up.FormValue("sport_type"))

	doc := f.gpx[0]
	assert.Equal(t, 3, strings.Count(doc, "<trkpt "))
	assert.Contains(t, doc, "<time>2024-05-04T07:16:05Z</time>")
	for _, leak := range []string{"heartrate", "hr>", "cad", "power", "extensions"} {
		assert.NotContains(t, doc, leak)
	}

	calls := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, calls[getActivity])
	assert.Equal(t, 1, calls[getStreams+"?key_by_type=true&keys=latlng%2Ctime%2Caltitude"]+calls[getStreams])
	assert.Zero(t, calls[refreshToken])
}

func TestMirrorTwiceUploadsOnce(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	f := newFixture(t)
	f.connect(t, model.RoleHuman, model.RolePet)
	f.strava(t)

	_, err := f.svc.Mirror(context.Background(), "user-1", activityURL)
	require.NoError(t, err)

	_, err = f.svc.Mirror(context.Background(), "user-1", activityURL)
	require.Error(t, err)
	assert.Equal(t, apperr.AlreadyMirrored, apperr.KindOf(err))
	details := apperr.DetailsOf(err)
	require.Contains(t, details, "mirror")
	assert.Equal(t, model.MirrorDone, details["mirror"].(*model.Mirror).Status)

	assert.Len(t, f.uploads, 1)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()[getActivity])
}

func TestMirrorConcurrentUploadsOnce(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	f := newFixture(t)
	f.connect(t, model.RoleHuman, model.RolePet)
	f.strava(t)

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Mirror(context.Background(), "user-1", activityURL)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, apperr.AlreadyMirrored, apperr.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.uploads, 1)
}

func TestMirrorPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		roles []model.Role
		want  apperr.Kind
	}{
		{"not a strava url", "https://example.com/activities/42", []model.Role{model.RoleHuman, model.RolePet}, apperr.InvalidActivityURL},
		{"athlete url", "https://www.strava.com/athletes/42", []model.Role{model.RoleHuman, model.RolePet}, apperr.InvalidActivityURL},
		{"empty url", "", []model.Role{model.RoleHuman, model.RolePet}, apperr.InvalidActivityURL},
		{"no connections", activityURL, nil, apperr.MissingConnection},
		{"human only", activityURL, []model.Role{model.RoleHuman}, apperr.MissingConnection},
		{"pet only", activityURL, []model.Role{model.RolePet}, apperr.MissingConnection},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			httpmock.Activate()
			defer httpmock.DeactivateAndReset()

			f := newFixture(t)
			f.connect(t, tc.roles...)

			_, err := f.svc.Mirror(context.Background(), "user-1", tc.url)
			require.Error(t, err)
			assert.Equal(t, tc.want, apperr.KindOf(err))
			assert.Zero(t, httpmock.GetTotalCallCount())
		})
	}
}

func TestMirrorUpstreamFailures(t *testing.T) {
	tests := []struct {
		name     string
		override func(f *fixture)
		want     apperr.Kind
	}{
		{
			"activity not found",
			func(*fixture) {
				httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42",
					httpmock.NewStringResponder(404, `{"message":"Record Not Found"}`))
			},
			apperr.ActivityNotFound,
		},
		{
			"activity fetch fails",
			func(*fixture) {
				httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42",
					httpmock.NewStringResponder(500, `{}`))
			},
			apperr.UpstreamFetchFailed,
		},
		{
			"someone else's activity",
			func(*fixture) {
				httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42",
					httpmock.NewStringResponder(200, `{"id": 42, "name": "x", "athlete": {"id": 999}}`))
			},
			apperr.OwnershipMismatch,
		},
		{
			"streams not found",
			func(*fixture) {
				httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42/streams",
					httpmock.NewStringResponder(404, `{"message":"Record Not Found"}`))
			},
			apperr.MissingGPSData,
		},
		{
			"indoor activity",
			func(*fixture) {
				httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42/streams",
					httpmock.NewStringResponder(200, `{"time": {"data": [0, 1, 2]}}`))
			},
			apperr.MissingGPSData,
		},
		{
			"streams fetch fails",
			func(*fixture) {
				httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/42/streams",
					httpmock.NewStringResponder(502, `bad gateway`))
			},
			apperr.UpstreamFetchFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			httpmock.Activate()
			defer httpmock.DeactivateAndReset()

			f := newFixture(t)
			f.connect(t, model.RoleHuman, model.RolePet)
			f.strava(t)
			tc.override(f)

			_, err := f.svc.Mirror(context.Background(), "user-1", activityURL)
			require.Error(t, err)
			assert.Equal(t, tc.want, apperr.KindOf(err))
			assert.Empty(t, f.uploads)

			m, err := f.store.GetMirror(context.Background(), "user-1", 42)
			require.NoError(t, err)
			assert.Nil(t, m, "no mirror record before the upload is attempted")
		})
	}
}

func TestMirrorUploadFailureCanBeRetried(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail string
	}{
		{"rejected", 400, `{"message":"Bad Request"}`, "Failed to upload activity to Strava (HTTP 400)"},
		{"error field", 201, `{"id": 5, "error": "malformed GPX"}`, "Failed to upload activity to Strava: malformed GPX"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			httpmock.Activate()
			defer httpmock.DeactivateAndReset()

			f := newFixture(t)
			f.connect(t, model.RoleHuman, model.RolePet)
			f.strava(t)
			httpmock.RegisterResponder("POST", "https://www.strava.com/api/v3/uploads", f.uploadResponder(tc.status, tc.body))

			_, err := f.svc.Mirror(context.Background(), "user-1", activityURL)
			require.Error(t, err)
			assert.Equal(t, apperr.UploadFailed, apperr.KindOf(err))

			m, err := f.store.GetMirror(context.Background(), "user-1", 42)
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, model.MirrorError, m.Status)
			require.NotNil(t, m.ErrorDetail)
			assert.Equal(t, tc.wantDetail, *m.ErrorDetail)

			httpmock.RegisterResponder("POST", "https://www.strava.com/api/v3/uploads", f.uploadResponder(201, `{"id": 9002, "activity_id": 77}`))
			res, err := f.svc.Mirror(context.Background(), "user-1", activityURL)
			require.NoError(t, err)
			assert.Equal(t, int64(9002), res.UploadID)
			require.NotNil(t, res.Mirror.DestinationActivityID)
			assert.Equal(t, int64(77), *res.Mirror.DestinationActivityID)
			assert.Len(t, f.uploads, 2)
		})
	}
}

func TestMirrorUploadCancelledCanBeRetried(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	f := newFixture(t)
	f.connect(t, model.RoleHuman, model.RolePet)
	f.strava(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpmock.RegisterResponder("POST", "https://www.strava.com/api/v3/uploads",
		func(req *http.Request) (*http.Response, error) {
			cancel()
			return nil, context.Canceled
		})

	_, err := f.svc.Mirror(ctx, "user-1", activityURL)
	require.Error(t, err)
	assert.Equal(t, apperr.UploadFailed, apperr.KindOf(err))

	m, err := f.store.GetMirror(context.Background(), "user-1", 42)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.MirrorError, m.Status)
	require.NotNil(t, m.ErrorDetail)
	assert.Equal(t, "Failed to upload activity to Strava", *m.ErrorDetail)

	httpmock.RegisterResponder("POST", "https://www.strava.com/api/v3/uploads", f.uploadResponder(201, `{"id": 9003}`))
	res, err := f.svc.Mirror(context.Background(), "user-1", activityURL)
	require.NoError(t, err)
	assert.Equal(t, int64(9003), res.UploadID)
	assert.Len(t, f.uploads, 1)
}

func TestMirrorRefreshesExpiredTokens(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	f := newFixture(t)
	f.connect(t, model.RoleHuman, model.RolePet)
	f.strava(t)

	human, err := f.store.GetConnection(context.Background(), "user-1", model.RoleHuman)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateConnectionTokens(context.Background(), human.ID, "stale", "human-refresh", time.Now().Unix()))

	httpmock.RegisterResponder("POST", "https://www.strava.com/oauth/token",
		httpmock.NewStringResponder(200, `{"token_type":"Bearer","access_token":"human-access","refresh_token":"human-refresh-2","expires_at":1900000000}`))

	_, err = f.svc.Mirror(context.Background(), "user-1", activityURL)
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()[refreshToken])

	human, err = f.store.GetConnection(context.Background(), "user-1", model.RoleHuman)
	require.NoError(t, err)
	assert.Equal(t, "human-refresh-2", human.RefreshToken)
}

func TestMirrorRefreshFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	f := newFixture(t)
	f.connect(t, model.RoleHuman, model.RolePet)
	f.strava(t)

	pet, err := f.store.GetConnection(context.Background(), "user-1", model.RolePet)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateConnectionTokens(context.Background(), pet.ID, "stale", "revoked", 0))

	httpmock.RegisterResponder("POST", "https://www.strava.com/oauth/token",
		httpmock.NewStringResponder(400, `{"message":"Bad Request"}`))

	_, err = f.svc.Mirror(context.Background(), "user-1", activityURL)
	require.Error(t, err)
	assert.Equal(t, apperr.TokenRefreshFailed, apperr.KindOf(err))
	assert.Zero(t, httpmock.GetCallCountInfo()[getActivity])
}
