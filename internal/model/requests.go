package model

// CreateProjectRequest represents the request to create a project
type CreateProjectRequest struct {
	Name string `json:"name" validate:"omitempty,max=200"`
}

// RenameProjectRequest represents the request to rename a project
type RenameProjectRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// ProjectResponse is a project with its generations, newest first
type ProjectResponse struct {
	Project     *Project     `json:"project"`
	Generations []Generation `json:"generations"`
}

// CreateGenerationRequest represents the request to start a generation
type CreateGenerationRequest struct {
	ProjectID int64  `json:"projectId" validate:"required,gt=0"`
	Title     string `json:"title" validate:"required,max=200"`
	Style     string `json:"style" validate:"required,max=1000"`
	Lyrics    string `json:"lyrics" validate:"required,max=5000"`
}

// ExtendGenerationRequest continues one track of an earlier generation
type ExtendGenerationRequest struct {
	GenerationID int64   `json:"generationId" validate:"required,gt=0"`
	AudioID      string  `json:"audioId" validate:"required"`
	ContinueAt   float64 `json:"continueAt" validate:"gt=0"`
	Title        string  `json:"title" validate:"required,max=200"`
	Style        string  `json:"style" validate:"required,max=1000"`
	Lyrics       string  `json:"lyrics" validate:"required,max=5000"`
}

// SongResponse is the view of a single track plus the jobs extending it
type SongResponse struct {
	GenerationID int64        `json:"generationId"`
	Track        int          `json:"track"`
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	StreamURL    *string      `json:"streamUrl"`
	AudioURL     *string      `json:"audioUrl"`
	ImageURL     *string      `json:"imageUrl"`
	Duration     *float64     `json:"duration"`
	Extensions   []Generation `json:"extensions"`
}
