package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/bifrost-registry/bifrost/pkg/registry"
)

// Health is the server's readiness report.
type Health struct {
	Status     string                       `json:"status"`
	Components map[string]map[string]string `json:"components"`
}

func (c *Client) packageURL(name string, rest ...string) string {
	u := c.baseURL + "/api/packages/" + url.PathEscape(name)
	for _, r := range rest {
		u += "/" + url.PathEscape(r)
	}
	return u
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	resp, err := c.get(ctx, c.http, u)
	if err != nil {
		return err
	}
	resp, err = expect(resp, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", u, err)
	}
	return nil
}

// PackageInfo returns the latest version and history of a package. An
// unknown package has no latest version and an empty history.
func (c *Client) PackageInfo(ctx context.Context, name string) (*registry.PackageInfo, error) {
	var info registry.PackageInfo
	if err := c.getJSON(ctx, c.packageURL(name), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Version returns one registered version.
func (c *Client) Version(ctx context.Context, name, version string) (*registry.VersionView, error) {
	var v registry.VersionView
	if err := c.getJSON(ctx, c.packageURL(name, "versions", version), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DownloadURL resolves the time-limited archive URL of a version, or of the
// latest version when version is empty.
func (c *Client) DownloadURL(ctx context.Context, name, version string) (string, error) {
	u := c.packageURL(name, "download")
	if version != "" {
		u += "?" + url.Values{"version": {version}}.Encode()
	}
	resp, err := c.get(ctx, c.noRedirect, u)
	if err != nil {
		return "", err
	}
	resp, err = expect(resp, http.StatusSeeOther, http.StatusFound, http.StatusTemporaryRedirect)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	loc, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("download redirect: %w", err)
	}
	return loc.String(), nil
}

// Download writes the archive of a version to w and returns the number of
// bytes written.
func (c *Client) Download(ctx context.Context, name, version string, w io.Writer) (int64, error) {
	archiveURL, err := c.DownloadURL(ctx, name, version)
	if err != nil {
		return 0, err
	}
	resp, err := c.get(ctx, c.http, archiveURL)
	if err != nil {
		return 0, err
	}
	resp, err = expect(resp, http.StatusOK)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("downloading %s %s: %w", name, version, err)
	}
	return n, nil
}

// Publish uploads a package archive. Uploads are never retried.
func (c *Client) Publish(ctx context.Context, archive io.Reader) error {
	var target struct {
		URL    string            `json:"url"`
		Fields map[string]string `json:"fields"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/packages/versions/new", &target); err != nil {
		return fmt.Errorf("requesting upload url: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, target.Fields, archive))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, target.URL, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(c.noRedirect, req)
	pr.Close()
	if err != nil {
		return err
	}
	resp, err = expect(resp, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()

	finish, err := resp.Location()
	if err != nil {
		return fmt.Errorf("upload response: %w", err)
	}
	var done struct {
		Success struct {
			Message string `json:"message"`
		} `json:"success"`
	}
	if err := c.getJSON(ctx, finish.String(), &done); err != nil {
		return fmt.Errorf("finishing upload: %w", err)
	}
	return nil
}

func writeUpload(mw *multipart.Writer, fields map[string]string, archive io.Reader) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", "package.tar.gz")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, archive); err != nil {
		return err
	}
	return mw.Close()
}

// Health reports server readiness. A server that is up but not ready
// returns an *APIError with status 503.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, c.baseURL+"/readyz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}
