package ai

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// File batch states reported by the vector store API.
const (
	BatchInProgress = "in_progress"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchCancelled  = "cancelled"
)

type FileCounts struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// FileBatch is a set of files being attached to a vector store.
type FileBatch struct {
	ID            string     `json:"id"`
	VectorStoreID string     `json:"vector_store_id"`
	Status        string     `json:"status"`
	FileCounts    FileCounts `json:"file_counts"`
}

// AssistantParams describes an assistant bound to vector stores through file_search.
type AssistantParams struct {
	Name           string
	Model          string
	Instructions   string
	VectorStoreIDs []string
}

// CreateVectorStore creates an empty vector store and returns its id.
func (c *OpenAIClient) CreateVectorStore(ctx context.Context, name string) (string, error) {
	var resp objectRef
	if err := c.doJSON(ctx, http.MethodPost, "/vector_stores", map[string]any{"name": name}, &resp); err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}
	return resp.ID, nil
}

// UploadFile streams r as a multipart upload with purpose "assistants".
func (c *OpenAIClient) UploadFile(ctx context.Context, filename string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("purpose", "assistants"); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filepath.Base(filename))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/files", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("upload file %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upload file %s: %w", filename, decodeAPIError(resp))
	}
	var out objectRef
	if err := decodeBody(resp, &out); err != nil {
		return "", fmt.Errorf("upload file %s: %w", filename, err)
	}
	return out.ID, nil
}

// CreateFileBatch attaches uploaded files to a vector store.
func (c *OpenAIClient) CreateFileBatch(ctx context.Context, vectorStoreID string, fileIDs []string) (FileBatch, error) {
	var batch FileBatch
	path := "/vector_stores/" + url.PathEscape(vectorStoreID) + "/file_batches"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"file_ids": fileIDs}, &batch); err != nil {
		return FileBatch{}, fmt.Errorf("create file batch: %w", err)
	}
	return batch, nil
}

// GetFileBatch returns the current state of a file batch.
func (c *OpenAIClient) GetFileBatch(ctx context.Context, vectorStoreID, batchID string) (FileBatch, error) {
	var batch FileBatch
	path := "/vector_stores/" + url.PathEscape(vectorStoreID) + "/file_batches/" + url.PathEscape(batchID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &batch); err != nil {
		return FileBatch{}, fmt.Errorf("get file batch: %w", err)
	}
	return batch, nil
}

// CreateAssistant creates an assistant with the file_search tool over the given stores.
func (c *OpenAIClient) CreateAssistant(ctx context.Context, params AssistantParams) (string, error) {
	if strings.TrimSpace(params.Model) == "" {
		return "", fmt.Errorf("assistant model required")
	}
	payload := assistantRequest{
		Name:         params.Name,
		Model:        params.Model,
		Instructions: params.Instructions,
		Tools:        []toolSpec{{Type: "file_search"}},
	}
	payload.ToolResources.FileSearch.VectorStoreIDs = params.VectorStoreIDs
	var resp objectRef
	if err := c.doJSON(ctx, http.MethodPost, "/assistants", payload, &resp); err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	return resp.ID, nil
}

// CreateThread creates an empty thread.
func (c *OpenAIClient) CreateThread(ctx context.Context) (string, error) {
	var resp objectRef
	if err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &resp); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return resp.ID, nil
}

// PostMessage appends a user message to a thread.
func (c *OpenAIClient) PostMessage(ctx context.Context, threadID, text string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	payload := map[string]any{"role": "user", "content": text}
	if err := c.doJSON(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

type objectRef struct {
	ID string `json:"id"`
}

type toolSpec struct {
	Type string `json:"type"`
}

type assistantRequest struct {
	Name          string     `json:"name"`
	Model         string     `json:"model"`
	Instructions  string     `json:"instructions,omitempty"`
	Tools         []toolSpec `json:"tools"`
	ToolResources struct {
		FileSearch struct {
			VectorStoreIDs []string `json:"vector_store_ids"`
		} `json:"file_search"`
	} `json:"tool_resources"`
}
