package agentclient

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

type uploadFileResponse struct {
	ID string `json:"id"`
}

// UploadFile uploads the file at path as a seed document, returning its id.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("agentclient: upload_file read %s: %w", path, err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.WriteField("purpose", "assistants"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var resp uploadFileResponse
	spec := requestSpec{method: http.MethodPost, path: "files", body: buf.Bytes(), contentType: w.FormDataContentType()}
	if err := c.doRequest(ctx, spec, &resp); err != nil {
		return "", fmt.Errorf("agentclient: upload_file %s: %w", path, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("agentclient: upload_file %s: empty id in response", path)
	}
	return resp.ID, nil
}

type createVectorStoreRequest struct {
	Name    string   `json:"name"`
	FileIDs []string `json:"file_ids"`
}

type createVectorStoreResponse struct {
	ID string `json:"id"`
}

// CreateVectorStore creates a vector store named name over fileIDs, returning its id.
func (c *Client) CreateVectorStore(ctx context.Context, name string, fileIDs []string) (string, error) {
	var resp createVectorStoreResponse
	body := createVectorStoreRequest{Name: name, FileIDs: fileIDs}
	if err := c.postJSON(ctx, "vector_stores", body, &resp); err != nil {
		return "", fmt.Errorf("agentclient: create_vector_store %s: %w", name, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("agentclient: create_vector_store %s: empty id in response", name)
	}
	return resp.ID, nil
}

type vectorStoreStatusResponse struct {
	Status string `json:"status"`
}

// WaitVectorStoreReady polls the vector store's status every 2 seconds
// until it reports "completed" or timeout elapses.
func (c *Client) WaitVectorStoreReady(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 2 * time.Second

	for {
		var resp vectorStoreStatusResponse
		if err := c.getJSON(ctx, "vector_stores/"+id, &resp); err != nil {
			return fmt.Errorf("agentclient: wait_vector_store_ready %s: %w", id, err)
		}
		if resp.Status == "completed" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agentclient: wait_vector_store_ready %s: timed out after %s, last status %q", id, timeout, resp.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
