package model

import (
	"encoding/json"
	"time"
)

// Project groups generations. It is only used for scoping.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Track holds one of the two audio variants a generation produces.
// A nil field means "unknown" and is filled in as the remote job progresses.
type Track struct {
	StreamURL *string
	AudioURL  *string
	ImageURL  *string
	Duration  *float64
	AudioID   *string
}

// Merge applies u on top of t. Fields that are nil in u leave t unchanged,
// so a partial update never erases a value that is already known.
func (t Track) Merge(u Track) Track {
	if u.StreamURL != nil {
		t.StreamURL = u.StreamURL
	}
	if u.AudioURL != nil {
		t.AudioURL = u.AudioURL
	}
	if u.ImageURL != nil {
		t.ImageURL = u.ImageURL
	}
	if u.Duration != nil {
		t.Duration = u.Duration
	}
	if u.AudioID != nil {
		t.AudioID = u.AudioID
	}
	return t
}

// IsEmpty reports whether no field is set
func (t Track) IsEmpty() bool {
	return t.StreamURL == nil && t.AudioURL == nil && t.ImageURL == nil && t.Duration == nil && t.AudioID == nil
}

// Lineage records that a generation continues a track of an earlier one
type Lineage struct {
	GenerationID int64
	AudioID      string
	ContinueAt   float64
}

// NewGeneration is the input for creating a pending generation
type NewGeneration struct {
	ProjectID int64
	Title     string
	Style     string
	Lyrics    string
	Extends   *Lineage
}

// Generation is one request for the provider to produce a pair of tracks
type Generation struct {
	ID                  int64
	ProjectID           int64
	TaskID              *string
	Title               string
	Style               string
	Lyrics              string
	Status              Status
	ErrorMessage        *string
	Track1              Track
	Track2              Track
	ResponseData        *string
	ExtendsGenerationID *int64
	ExtendsAudioID      *string
	ContinueAt          *float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TrackByAudioID returns the track with the given remote audio id and its
// position (1 or 2).
func (g *Generation) TrackByAudioID(audioID string) (Track, int, bool) {
	if audioID == "" {
		return Track{}, 0, false
	}
	if g.Track1.AudioID != nil && *g.Track1.AudioID == audioID {
		return g.Track1, 1, true
	}
	if g.Track2.AudioID != nil && *g.Track2.AudioID == audioID {
		return g.Track2, 2, true
	}
	return Track{}, 0, false
}

type generationJSON struct {
	ID                  int64     `json:"id"`
	ProjectID           int64     `json:"project_id"`
	TaskID              *string   `json:"task_id"`
	Title               string    `json:"title"`
	Style               string    `json:"style"`
	Lyrics              string    `json:"lyrics"`
	Status              Status    `json:"status"`
	StatusLabel         string    `json:"status_label"`
	ErrorMessage        *string   `json:"error_message"`
	Track1StreamURL     *string   `json:"track1_stream_url"`
	Track1AudioURL      *string   `json:"track1_audio_url"`
	Track1ImageURL      *string   `json:"track1_image_url"`
	Track1Duration      *float64  `json:"track1_duration"`
	Track1AudioID       *string   `json:"track1_audio_id"`
	Track2StreamURL     *string   `json:"track2_stream_url"`
	Track2AudioURL      *string   `json:"track2_audio_url"`
	Track2ImageURL      *string   `json:"track2_image_url"`
	Track2Duration      *float64  `json:"track2_duration"`
	Track2AudioID       *string   `json:"track2_audio_id"`
	ResponseData        *string   `json:"response_data"`
	ExtendsGenerationID *int64    `json:"extends_generation_id"`
	ExtendsAudioID      *string   `json:"extends_audio_id"`
	ContinueAt          *float64  `json:"continue_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// MarshalJSON renders the flat row shape clients already consume
func (g Generation) MarshalJSON() ([]byte, error) {
	return json.Marshal(generationJSON{
		ID:                  g.ID,
		ProjectID:           g.ProjectID,
		TaskID:              g.TaskID,
		Title:               g.Title,
		Style:               g.Style,
		Lyrics:              g.Lyrics,
		Status:              g.Status,
		StatusLabel:         g.Status.Label(),
		ErrorMessage:        g.ErrorMessage,
		Track1StreamURL:     g.Track1.StreamURL,
		Track1AudioURL:      g.Track1.AudioURL,
		Track1ImageURL:      g.Track1.ImageURL,
		Track1Duration:      g.Track1.Duration,
		Track1AudioID:       g.Track1.AudioID,
		Track2StreamURL:     g.Track2.StreamURL,
		Track2AudioURL:      g.Track2.AudioURL,
		Track2ImageURL:      g.Track2.ImageURL,
		Track2Duration:      g.Track2.Duration,
		Track2AudioID:       g.Track2.AudioID,
		ResponseData:        g.ResponseData,
		ExtendsGenerationID: g.ExtendsGenerationID,
		ExtendsAudioID:      g.ExtendsAudioID,
		ContinueAt:          g.ContinueAt,
		CreatedAt:           g.CreatedAt,
		UpdatedAt:           g.UpdatedAt,
	})
}

// UnmarshalJSON accepts the flat row shape produced by MarshalJSON
func (g *Generation) UnmarshalJSON(data []byte) error {
	var v generationJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*g = Generation{
		ID:           v.ID,
		ProjectID:    v.ProjectID,
		TaskID:       v.TaskID,
		Title:        v.Title,
		Style:        v.Style,
		Lyrics:       v.Lyrics,
		Status:       v.Status,
		ErrorMessage: v.ErrorMessage,
		Track1: Track{
			StreamURL: v.Track1StreamURL,
			AudioURL:  v.Track1AudioURL,
			ImageURL:  v.Track1ImageURL,
			Duration:  v.Track1Duration,
			AudioID:   v.Track1AudioID,
		},
		Track2: Track{
			StreamURL: v.Track2StreamURL,
			AudioURL:  v.Track2AudioURL,
			ImageURL:  v.Track2ImageURL,
			Duration:  v.Track2Duration,
			AudioID:   v.Track2AudioID,
		},
		ResponseData:        v.ResponseData,
		ExtendsGenerationID: v.ExtendsGenerationID,
		ExtendsAudioID:      v.ExtendsAudioID,
		ContinueAt:          v.ContinueAt,
		CreatedAt:           v.CreatedAt,
		UpdatedAt:           v.UpdatedAt,
	}
	return nil
}

// StringPtr returns nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FloatPtr returns nil for zero
func FloatPtr(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}
