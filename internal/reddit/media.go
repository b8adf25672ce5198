package reddit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"postscheduler/internal/platform"
	logx "postscheduler/pkg/logx"
)

type mediaLease struct {
	Args struct {
		Action string `json:"action"`
		Fields []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"fields"`
	} `json:"args"`
	Asset struct {
		AssetID string `json:"asset_id"`
	} `json:"asset"`
}

var fallbackMIME = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png", ".gif": "image/gif",
	".webp": "image/webp", ".mp4": "video/mp4", ".mov": "video/quicktime",
}

func mimeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := fallbackMIME[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// uploadMedia leases an upload slot and posts the file to it, returning the
// URL a submission can reference.
func (c *Client) uploadMedia(ctx context.Context, path string) (string, error) {
	const op = "upload media"
	if strings.TrimSpace(path) == "" {
		return "", &platform.Error{Op: op, Kind: platform.ErrAPI, Err: errors.New("no media file")}
	}
	f, err := os.Open(path)
	if err != nil {
		return "", &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
	}
	defer f.Close()

	name := filepath.Base(path)
	mimeType := mimeFor(path)
	var lease mediaLease
	if err := c.call(ctx, "POST", "/api/media/asset.json", nil, url.Values{"filepath": {name}, "mimetype": {mimeType}}, &lease); err != nil {
		return "", err
	}
	if lease.Args.Action == "" {
		return "", &platform.Error{Op: op, Kind: platform.ErrAPI, Err: errors.New("empty upload lease")}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	key := ""
	for _, fld := range lease.Args.Fields {
		if fld.Name == "key" {
			key = fld.Value
		}
		if err := mw.WriteField(fld.Name, fld.Value); err != nil {
			return "", &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
		}
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
	}

	action := lease.Args.Action
	if strings.HasPrefix(action, "//") {
		action = "https:" + action
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, &body)
	if err != nil {
		return "", &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	// The upload host answers in XML; only the status matters.
	if err := c.send(req, op, nil); err != nil {
		return "", err
	}

	mediaURL := strings.TrimRight(action, "/") + "/" + key
	c.log.Debug("reddit.media_uploaded", logx.String("file", name), logx.String("asset", lease.Asset.AssetID))
	return mediaURL, nil
}
