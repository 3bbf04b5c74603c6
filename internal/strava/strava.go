// Package strava implements the parts of the Strava API the mirror needs: OAuth
// configuration per role, activity and stream retrieval, and GPX uploads.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/lildude/pawmirror/internal/client"
	"github.com/lildude/pawmirror/internal/model"
	"golang.org/x/oauth2"
)

var (
	BaseURL  = "https://www.strava.com/api/v3"
	AuthURL  = "https://www.strava.com/oauth/authorize"
	TokenURL = "https://www.strava.com/oauth/token" //nolint:gosec // not a credential
)

// The human account is only ever read from and the pet account only ever written to.
var (
	HumanScopes = []string{"read,activity:read_all"}
	PetScopes   = []string{"activity:write"}
)

// ScopesFor returns the scopes requested when connecting an account in role.
func ScopesFor(role model.Role) []string {
	if role == model.RolePet {
		return PetScopes
	}
	return HumanScopes
}

// OauthConfig returns the OAuth configuration for connecting an account in role.
// Strava expects the client credentials in the token request body.
func OauthConfig(clientID, clientSecret, redirectURL string, role model.Role) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   AuthURL,
			TokenURL:  TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      ScopesFor(role),
	}
}

// Athlete is the summary athlete Strava returns alongside tokens.
type Athlete struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	FirstName     string `json:"firstname"`
	LastName      string `json:"lastname"`
	Profile       string `json:"profile"`
	ProfileMedium string `json:"profile_medium"`
}

// AthleteFromToken extracts the athlete from a token exchange response.
func AthleteFromToken(tok *oauth2.Token) (*Athlete, error) {
	raw := tok.Extra("athlete")
	if raw == nil {
		return nil, errors.New("token response has no athlete")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encoding athlete: %w", err)
	}
	var a Athlete
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decoding athlete: %w", err)
	}
	if a.ID == 0 {
		return nil, errors.New("token response athlete has no id")
	}
	return &a, nil
}

// ExpiresAt returns the token expiry in epoch seconds, preferring Strava's own
// expires_at over the value derived from expires_in.
func ExpiresAt(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return tok.Expiry.Unix()
}

// NewClient returns an API client authenticating with accessToken.
func NewClient(ctx context.Context, accessToken string) *client.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	u, _ := url.Parse(BaseURL)
	return client.NewClient(u, oauth2.NewClient(ctx, ts))
}

var activityURL = regexp.MustCompile(`^https?://(?:www\.)?strava\.com/activities/(\d+)(?:[/?#].*)?$`)

// ParseActivityURL returns the activity id in a Strava activity URL.
func ParseActivityURL(s string) (int64, error) {
	m := activityURL.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%q is not a Strava activity URL", s)
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q has an invalid activity id", s)
	}
	return id, nil
}

// Activity struct holds only the data we want from the Strava API for an activity.
type Activity struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	SportType   string    `json:"sport_type"`
	StartDate   time.Time `json:"start_date"`
	Distance    float64   `json:"distance"`
	ElapsedTime int64     `json:"elapsed_time"`
	Athlete     struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

// Streams holds the only streams the mirror ever requests. Performance streams
// (heart rate, cadence, watts, temperature) are deliberately absent.
type Streams struct {
	LatLng struct {
		Data [][]float64 `json:"data"`
	} `json:"latlng"`
	Time struct {
		Data []int64 `json:"data"`
	} `json:"time"`
	Altitude *struct {
		Data []float64 `json:"data"`
	} `json:"altitude"`
}

// StreamKeys are the stream types requested for a mirror.
const StreamKeys = "latlng,time,altitude"

// Upload is Strava's response to an upload request.
type Upload struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Error      string `json:"error"`
	Status     string `json:"status"`
	ActivityID *int64 `json:"activity_id"`
}

// UploadParams describes a GPX file to upload.
type UploadParams struct {
	Name        string
	Description string
	SportType   string
	ExternalID  string
	GPX         []byte
}

func GetActivity(ctx context.Context, c *client.Client, id int64) (*Activity, error) {
	var a Activity
	req, err := c.NewRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v3/activities/%d", id))
	if err != nil {
		return nil, fmt.Errorf("creating get activity request: %w", err)
	}

	resp, err := c.Do(req, &a)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("getting activity %d: %w", id, err)
	}

	return &a, nil
}

func GetStreams(ctx context.Context, c *client.Client, id int64) (*Streams, error) {
	var s Streams
	u := fmt.Sprintf("/api/v3/activities/%d/streams?keys=%s&key_by_type=true", id, url.QueryEscape(StreamKeys))
	req, err := c.NewRequest(ctx, http.MethodGet, u)
	if err != nil {
		return nil, fmt.Errorf("creating get streams request: %w", err)
	}

	resp, err := c.Do(req, &s)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("getting streams for activity %d: %w", id, err)
	}

	return &s, nil
}

func UploadActivity(ctx context.Context, c *client.Client, p *UploadParams) (*Upload, error) {
	fields := map[string]string{
		"data_type":   "gpx",
		"name":        p.Name,
		"description": p.Description,
		"external_id": p.ExternalID,
	}
	if p.SportType != "" {
		fields["sport_type"] = p.SportType
	}
	req, err := c.NewUploadRequest(ctx, "/api/v3/uploads", fields, "file", p.ExternalID, bytes.NewReader(p.GPX))
	if err != nil {
		return nil, fmt.Errorf("creating upload request: %w", err)
	}

	var u Upload
	resp, err := c.Do(req, &u)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("uploading activity: %w", err)
	}
	if u.Error != "" {
		return &u, fmt.Errorf("upload %d rejected: %s", u.ID, u.Error)
	}

	return &u, nil
}
