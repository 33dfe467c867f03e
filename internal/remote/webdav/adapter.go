// Package webdav implements the remote adapter over a WebDAV-style HTTP
// endpoint. Items live under items/<id>.json, attachment blobs under
// resources/<id>; the server's ETags serve as opaque revision tokens and
// conditional requests (If-Match / If-None-Match) provide the optimistic
// concurrency the sync engine relies on.
package webdav

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/remote"
)

const (
	itemsPrefix     = "items/"
	resourcesPrefix = "resources/"
	lockPath        = "lock.json"
	metaPath        = "meta.json"
)

// Adapter talks to one WebDAV collection.
type Adapter struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// Options configures the adapter.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// NewAdapter returns an adapter for the collection at opts.BaseURL.
func NewAdapter(opts Options) *Adapter {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/") + "/",
		username: opts.Username,
		password: opts.Password,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) url(parts ...string) string {
	return a.baseURL + path.Join(parts...)
}

func (a *Adapter) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}
	return req, nil
}

func (a *Adapter) do(req *http.Request) (*http.Response, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNetworkUnavailable, err)
	}
	return resp, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return common.ErrRevisionConflict
	case http.StatusInsufficientStorage, http.StatusRequestEntityTooLarge:
		return common.ErrQuotaExceeded
	case http.StatusNotFound:
		return common.ErrNotFound
	default:
		return fmt.Errorf("%w: unexpected status %s", common.ErrNetworkUnavailable, resp.Status)
	}
}

// EnsureCollections creates the items/ and resources/ collections. Existing
// collections are fine (405 from MKCOL).
func (a *Adapter) EnsureCollections(ctx context.Context) error {
	for _, p := range []string{itemsPrefix, resourcesPrefix} {
		req, err := a.newRequest(ctx, "MKCOL", a.url(p), nil)
		if err != nil {
			return err
		}
		resp, err := a.do(req)
		if err != nil {
			return err
		}
		drainAndClose(resp)
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusMethodNotAllowed {
			return fmt.Errorf("mkcol %s: %w", p, statusError(resp))
		}
	}
	return nil
}

func (a *Adapter) Upload(ctx context.Context, item *remote.Item, expectedRev string) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}

	req, err := a.newRequest(ctx, http.MethodPut, a.url(itemsPrefix, item.ID+".json"), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if expectedRev == "" {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", expectedRev)
	}

	resp, err := a.do(req)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
	default:
		return "", fmt.Errorf("upload %s: %w", item.ID, statusError(resp))
	}

	rev := resp.Header.Get("ETag")
	if rev == "" {
		// Some servers omit the ETag on PUT; ask for it explicitly.
		return a.headRev(ctx, a.url(itemsPrefix, item.ID+".json"))
	}
	return rev, nil
}

func (a *Adapter) headRev(ctx context.Context, url string) (string, error) {
	req, err := a.newRequest(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.do(req)
	if err != nil {
		return "", err
	}
	drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("head: %w", statusError(resp))
	}
	return resp.Header.Get("ETag"), nil
}

func (a *Adapter) Delete(ctx context.Context, id, expectedRev string) error {
	req, err := a.newRequest(ctx, http.MethodDelete, a.url(itemsPrefix, id+".json"), nil)
	if err != nil {
		return err
	}
	if expectedRev != "" {
		req.Header.Set("If-Match", expectedRev)
	}

	resp, err := a.do(req)
	if err != nil {
		return err
	}
	drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		// Already gone; the desired state holds.
		return nil
	default:
		return fmt.Errorf("delete %s: %w", id, statusError(resp))
	}
}

func (a *Adapter) Get(ctx context.Context, id string) (*remote.Item, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.url(itemsPrefix, id+".json"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: %w", id, statusError(resp))
	}

	var item remote.Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	item.Rev = resp.Header.Get("ETag")
	return &item, nil
}

// davResponse is the subset of a PROPFIND response entry we care about.
type davResponse struct {
	Href     string `xml:"href"`
	Propstat []struct {
		Prop struct {
			ETag         string `xml:"getetag"`
			LastModified string `xml:"getlastmodified"`
		} `xml:"prop"`
		Status string `xml:"status"`
	} `xml:"propstat"`
}

type davMultistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

// ListChangedSince lists items whose server modification time is at or after
// the cursor (unix seconds, as an opaque string). WebDAV has no change feed,
// so a depth-1 PROPFIND over the items collection plays that role. The
// boundary is inclusive because getlastmodified has one-second granularity;
// re-listing an already-pulled entry is harmless since the puller skips
// changes whose rev matches the stored one.
func (a *Adapter) ListChangedSince(ctx context.Context, cursor string) (*remote.ChangePage, error) {
	var since int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		since = v
	}

	req, err := a.newRequest(ctx, "PROPFIND", a.url(itemsPrefix), []byte(
		`<?xml version="1.0"?><propfind xmlns="DAV:"><prop><getetag/><getlastmodified/></prop></propfind>`))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", "1")
	req.Header.Set("Content-Type", "application/xml")

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("propfind: %w", statusError(resp))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read propfind body: %v", common.ErrNetworkUnavailable, err)
	}

	var ms davMultistatus
	if err := xml.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}

	page := &remote.ChangePage{NextCursor: cursor}
	maxSeen := since
	for _, r := range ms.Responses {
		name := path.Base(strings.TrimSuffix(r.Href, "/"))
		if !strings.HasSuffix(name, ".json") {
			continue // the collection itself, or foreign files
		}
		id := strings.TrimSuffix(name, ".json")

		var etag, lastMod string
		for _, ps := range r.Propstat {
			if ps.Prop.ETag != "" {
				etag = ps.Prop.ETag
			}
			if ps.Prop.LastModified != "" {
				lastMod = ps.Prop.LastModified
			}
		}

		modTime, err := http.ParseTime(lastMod)
		if err != nil {
			continue
		}
		// Inclusive boundary: getlastmodified has one-second granularity,
		// so an entry written in the cursor's second must still be listed.
		if modTime.Unix() < since {
			continue
		}
		if modTime.Unix() > maxSeen {
			maxSeen = modTime.Unix()
		}
		page.Changes = append(page.Changes, remote.Change{ID: id, Rev: etag})
	}

	if maxSeen > since {
		page.NextCursor = strconv.FormatInt(maxSeen, 10)
	}
	return page, nil
}

func (a *Adapter) DownloadResource(ctx context.Context, resourceID string) ([]byte, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.url(resourcesPrefix, resourceID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download resource %s: %w", resourceID, statusError(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read resource body: %v", common.ErrNetworkUnavailable, err)
	}
	return data, nil
}

type lockRecord struct {
	DeviceID  string `json:"device_id"`
	ExpiresAt int64  `json:"expires_at"`
}

func (a *Adapter) readLock(ctx context.Context) (*lockRecord, string, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.url(lockPath), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := a.do(req)
	if err != nil {
		return nil, "", err
	}
	defer drainAndClose(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("read lock: %w", statusError(resp))
	}

	var rec lockRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, "", fmt.Errorf("decode lock: %w", err)
	}
	return &rec, resp.Header.Get("ETag"), nil
}

func (a *Adapter) AcquireLock(ctx context.Context, deviceID string, ttl time.Duration) error {
	current, rev, err := a.readLock(ctx)
	if err != nil {
		return err
	}
	if current != nil && current.DeviceID != deviceID && current.ExpiresAt > time.Now().UnixMilli() {
		return common.ErrRemoteLocked
	}

	body, err := json.Marshal(lockRecord{
		DeviceID:  deviceID,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}

	req, err := a.newRequest(ctx, http.MethodPut, a.url(lockPath), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if current == nil {
		req.Header.Set("If-None-Match", "*")
	} else if rev != "" {
		// Replacing a stale or own lock; the conditional header closes the
		// race against another device doing the same.
		req.Header.Set("If-Match", rev)
	}

	resp, err := a.do(req)
	if err != nil {
		return err
	}
	drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusPreconditionFailed:
		return common.ErrRemoteLocked
	default:
		return fmt.Errorf("acquire lock: %w", statusError(resp))
	}
}

func (a *Adapter) ReleaseLock(ctx context.Context, deviceID string) error {
	current, _, err := a.readLock(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.DeviceID != deviceID {
		return nil
	}

	req, err := a.newRequest(ctx, http.MethodDelete, a.url(lockPath), nil)
	if err != nil {
		return err
	}
	resp, err := a.do(req)
	if err != nil {
		return err
	}
	drainAndClose(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("release lock: %w", statusError(resp))
	}
	return nil
}

func (a *Adapter) GetMeta(ctx context.Context) (*remote.Meta, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.url(metaPath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode == http.StatusNotFound {
		return &remote.Meta{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get meta: %w", statusError(resp))
	}

	var meta remote.Meta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &meta, nil
}

func (a *Adapter) PutMeta(ctx context.Context, meta *remote.Meta) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	req, err := a.newRequest(ctx, http.MethodPut, a.url(metaPath), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.do(req)
	if err != nil {
		return err
	}
	drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return fmt.Errorf("put meta: %w", statusError(resp))
	}
}
