package model

// Client message types on the websocket channel
const (
	WSMessageTypePing = "ping"
	WSMessageTypePong = "pong"
)

// WSMessage represents a control message sent by a websocket client
type WSMessage struct {
	Type string `json:"type"`
}

// Event is the envelope broadcast to every live subscriber
type Event struct {
	Type         EventType `json:"type"`
	GenerationID int64     `json:"generationId"`
	Data         Patch     `json:"data"`
}

// Patch carries only the generation fields that changed
type Patch struct {
	Status          Status   `json:"status,omitempty"`
	TaskID          *string  `json:"task_id,omitempty"`
	ErrorMessage    *string  `json:"error_message,omitempty"`
	Track1StreamURL *string  `json:"track1_stream_url,omitempty"`
	Track1AudioURL  *string  `json:"track1_audio_url,omitempty"`
	Track1ImageURL  *string  `json:"track1_image_url,omitempty"`
	Track1Duration  *float64 `json:"track1_duration,omitempty"`
	Track1AudioID   *string  `json:"track1_audio_id,omitempty"`
	Track2StreamURL *string  `json:"track2_stream_url,omitempty"`
	Track2AudioURL  *string  `json:"track2_audio_url,omitempty"`
	Track2ImageURL  *string  `json:"track2_image_url,omitempty"`
	Track2Duration  *float64 `json:"track2_duration,omitempty"`
	Track2AudioID   *string  `json:"track2_audio_id,omitempty"`
	ResponseData    *string  `json:"response_data,omitempty"`
}

// WithTracks copies the known fields of both tracks into the patch
func (p Patch) WithTracks(t1, t2 Track) Patch {
	p.Track1StreamURL = t1.StreamURL
	p.Track1AudioURL = t1.AudioURL
	p.Track1ImageURL = t1.ImageURL
	p.Track1Duration = t1.Duration
	p.Track1AudioID = t1.AudioID
	p.Track2StreamURL = t2.StreamURL
	p.Track2AudioURL = t2.AudioURL
	p.Track2ImageURL = t2.ImageURL
	p.Track2Duration = t2.Duration
	p.Track2AudioID = t2.AudioID
	return p
}
