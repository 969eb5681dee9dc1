package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/wipeworks/wiped/internal/model"
)

const (
	uploadPath  = "api/v1/certificates"
	contentType = "application/json"
)

// CertRepoUploader posts every finished certificate to a certificate
// repository.
type CertRepoUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewCertRepoUploader(serverURL string) (*CertRepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}

	parsedURL.Path = uploadPath

	c := &CertRepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}

	return c, nil
}

func (c *CertRepoUploader) Upload(ctx context.Context, record model.JobRecord, cert model.Certificate) error {
	raw, err := marshalArchived(record, cert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	createResp, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "certificate uploaded successfully.",
		slog.String("id", createResp.ID),
		slog.String("job_id", record.ID))

	return nil
}

// Close drops idle connections to the repository.
func (c *CertRepoUploader) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type CertCreateResponse struct {
	ID string `json:"id"`
}

func (c *CertRepoUploader) decodeUploadResponse(resp *http.Response) (CertCreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return CertCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return CertCreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var cc CertCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cc); err != nil {
			return CertCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cc.ID == "" {
			return CertCreateResponse{}, errors.New("received unexpected body")
		}
		return cc, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return CertCreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return CertCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return CertCreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CertCreateResponse{}, err
	}
	return CertCreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
