package handler

import (
	"time"

	"github.com/trunov/photothumb/internal/entities"
)

type UploadResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Size        int64             `json:"size"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	ImageURL    string            `json:"imageUrl"`
}

func newUploadResponse(rec entities.Record) UploadResponse {
	return UploadResponse{
		ID:          rec.ID,
		Name:        rec.Name,
		Size:        rec.Size,
		ContentType: rec.ContentType,
		Metadata:    rec.Metadata,
		CreatedAt:   rec.CreatedAt,
		ImageURL:    "/media/images/" + rec.Name,
	}
}

type ImageResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	OwnerID     string `json:"ownerId"`
	Caption     string `json:"caption,omitempty"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

func newImageResponse(rec entities.Record) ImageResponse {
	resp := ImageResponse{
		ID:          rec.ID,
		URL:         "/media/images/" + rec.Name,
		ContentType: rec.ContentType,
		OwnerID:     rec.Metadata[entities.MetaOwnerID],
		Caption:     rec.Metadata[entities.MetaCaption],
		Size:        rec.Size,
	}
	if w, h, ok := rec.Dimensions(); ok {
		resp.Width, resp.Height = w, h
	}
	return resp
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Worker any               `json:"worker,omitempty"`
}
