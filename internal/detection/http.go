package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxFrameBytes = 16 << 20

// SnapshotSource pulls JPEG snapshots from a camera's HTTP endpoint.
type SnapshotSource struct {
	client *http.Client
	url    string
}

func NewSnapshotSource(client *http.Client, url string) *SnapshotSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SnapshotSource{client: client, url: url}
}

func (s *SnapshotSource) Next(ctx context.Context) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to build snapshot request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("snapshot endpoint returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("snapshot endpoint returned an empty frame")
	}

	return Frame{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		CapturedAt:  time.Now(),
	}, nil
}

func (s *SnapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// HTTPRecognizer posts frames to an inference sidecar running the vehicle
// detector and the plate OCR.
type HTTPRecognizer struct {
	client *http.Client
	url    string
	token  string
}

func NewHTTPRecognizer(client *http.Client, url, token string) *HTTPRecognizer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRecognizer{client: client, url: url, token: token}
}

type recognizeResponse struct {
	Detections []Detection `json:"detections"`
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, frame Frame) ([]Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to build recognize request: %w", err)
	}
	contentType := frame.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call recognizer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("recognizer returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode recognizer response: %w", err)
	}
	return out.Detections, nil
}
