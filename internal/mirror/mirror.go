// Package mirror copies the GPS track of a human's Strava activity to the
// user's pet account. Performance data is never read, so it can never leak.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/client"
	"github.com/lildude/pawmirror/internal/gpx"
	"github.com/lildude/pawmirror/internal/metrics"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/strava"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

const maxErrorDetail = 255

type Store interface {
	GetConnection(ctx context.Context, userID string, role model.Role) (*model.Connection, error)
	GetMirror(ctx context.Context, userID string, sourceID int64) (*model.Mirror, error)
	ClaimMirror(ctx context.Context, userID string, sourceID int64) (*model.Mirror, bool, error)
	CompleteMirror(ctx context.Context, m *model.Mirror, uploadID int64, destinationID *int64) error
	FailMirror(ctx context.Context, m *model.Mirror, detail string) error
}

// Tokens hands out usable access tokens, refreshing them when needed.
type Tokens interface {
	AccessToken(ctx context.Context, c *model.Connection) (string, error)
}

// Options are the user-visible strings stamped on uploads.
type Options struct {
	TitlePrefix string
	AppName     string
}

type Service struct {
	store     Store
	tokens    Tokens
	opts      Options
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	newClient func(ctx context.Context, accessToken string) *client.Client
}

func New(store Store, tokens Tokens, opts Options, m *metrics.Metrics, log logrus.FieldLogger) *Service {
	return &Service{
		store:     store,
		tokens:    tokens,
		opts:      opts,
		metrics:   m,
		log:       log,
		newClient: strava.NewClient,
	}
}

// SourceActivity summarises the mirrored activity.
type SourceActivity struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	SportType string    `json:"sportType"`
	StartDate time.Time `json:"startDate"`
}

type Result struct {
	UploadID       int64          `json:"uploadId"`
	Mirror         *model.Mirror  `json:"mirror"`
	SourceActivity SourceActivity `json:"sourceActivity"`
}

// Mirror copies the activity at activityURL from the user's human account to
// their pet account. Every failure is an *apperr.Error.
func (s *Service) Mirror(ctx context.Context, userID, activityURL string) (*Result, error) {
	res, err := s.mirror(ctx, userID, activityURL)
	if err != nil {
		s.metrics.Mirror(apperr.KindOf(err).String())
		return nil, err
	}
	s.metrics.Mirror(metrics.ResultSuccess)
	return res, nil
}

func (s *Service) mirror(ctx context.Context, userID, activityURL string) (*Result, error) {
	sourceID, err := strava.ParseActivityURL(activityURL)
	if err != nil {
		return nil, apperr.New(apperr.InvalidActivityURL, err)
	}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "source_activity_id": sourceID})

	existing, err := s.store.GetMirror(ctx, userID, sourceID)
	if err != nil {
		return nil, apperr.New(apperr.DatabaseError, err)
	}
	if existing != nil && existing.Status != model.MirrorError {
		return nil, alreadyMirrored(existing)
	}

	human, err := s.store.GetConnection(ctx, userID, model.RoleHuman)
	if err != nil {
		return nil, apperr.New(apperr.DatabaseError, err)
	}
	pet, err := s.store.GetConnection(ctx, userID, model.RolePet)
	if err != nil {
		return nil, apperr.New(apperr.DatabaseError, err)
	}
	if human == nil || pet == nil {
		return nil, apperr.New(apperr.MissingConnection, errors.New("human and pet accounts must both be connected"))
	}

	humanToken, err := s.tokens.AccessToken(ctx, human)
	if err != nil {
		return nil, err
	}
	petToken, err := s.tokens.AccessToken(ctx, pet)
	if err != nil {
		return nil, err
	}

	hc := s.newClient(ctx, humanToken)
	activity, err := strava.GetActivity(ctx, hc, sourceID)
	if err != nil {
		if client.StatusCode(err) == http.StatusNotFound {
			return nil, apperr.New(apperr.ActivityNotFound, err)
		}
		return nil, apperr.New(apperr.UpstreamFetchFailed, err)
	}
	if activity.Athlete.ID != human.AthleteID {
		return nil, apperr.New(apperr.OwnershipMismatch,
			fmt.Errorf("activity %d belongs to athlete %d, not %d", sourceID, activity.Athlete.ID, human.AthleteID))
	}

	streams, err := strava.GetStreams(ctx, hc, sourceID)
	if err != nil {
		if client.StatusCode(err) == http.StatusNotFound {
			return nil, apperr.New(apperr.MissingGPSData, err)
		}
		return nil, apperr.New(apperr.UpstreamFetchFailed, err)
	}

	var altitude []float64
	if streams.Altitude != nil {
		altitude = streams.Altitude.Data
	}
	points, err := gpx.FromStreams(activity.StartDate, streams.LatLng.Data, streams.Time.Data, altitude)
	if err != nil {
		return nil, apperr.New(apperr.MissingGPSData, err)
	}
	title := norm.NFC.String(s.opts.TitlePrefix + activity.Name)
	doc, err := gpx.Build(title, s.opts.AppName, points)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, err)
	}

	m, claimed, err := s.store.ClaimMirror(ctx, userID, sourceID)
	if err != nil {
		return nil, apperr.New(apperr.DatabaseError, err)
	}
	if !claimed {
		if m == nil {
			return nil, apperr.New(apperr.DatabaseError, fmt.Errorf("mirror of %d vanished while claiming", sourceID))
		}
		return nil, alreadyMirrored(m)
	}

	sportType := activity.SportType
	if sportType == "" {
		sportType = activity.Type
	}
	upload, err := strava.UploadActivity(ctx, s.newClient(ctx, petToken), &strava.UploadParams{
		Name:        title,
		Description: "Mirrored by " + s.opts.AppName,
		SportType:   sportType,
		ExternalID:  fmt.Sprintf("pawmirror-%d.gpx", sourceID),
		GPX:         doc,
	})
	// The claim must leave PENDING even when the request has gone away, or the
	// activity could never be claimed again.
	finalCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.WithError(err).Warn("upload failed")
		if ferr := s.store.FailMirror(finalCtx, m, failureDetail(upload, err)); ferr != nil {
			log.WithError(ferr).Error("unable to record failed mirror")
		}
		return nil, apperr.New(apperr.UploadFailed, err)
	}

	if err := s.store.CompleteMirror(finalCtx, m, upload.ID, upload.ActivityID); err != nil {
		log.WithError(err).WithField("upload_id", upload.ID).Error("uploaded but unable to record mirror")
	}
	log.WithFields(logrus.Fields{"upload_id": upload.ID, "points": len(points)}).Info("mirrored activity")

	return &Result{
		UploadID: upload.ID,
		Mirror:   m,
		SourceActivity: SourceActivity{
			ID:        activity.ID,
			Name:      activity.Name,
			SportType: sportType,
			StartDate: activity.StartDate,
		},
	}, nil
}

func alreadyMirrored(m *model.Mirror) error {
	return apperr.New(apperr.AlreadyMirrored,
		fmt.Errorf("activity %d is %s", m.SourceActivityID, m.Status)).
		WithDetail("mirror", m)
}

// failureDetail is the error stored on a failed mirror. It names the HTTP
// status or Strava's processing error, never the transport error text.
func failureDetail(upload *strava.Upload, err error) string {
	detail := apperr.UploadFailed.Message()
	if status := client.StatusCode(err); status != 0 {
		detail += fmt.Sprintf(" (HTTP %d)", status)
	}
	if upload != nil && upload.Error != "" {
		detail += ": " + upload.Error
	}
	return truncate(detail, maxErrorDetail)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
