// Package directory reads student identities from the upstream school
// directory over HTTP.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ipresence/internal/model"
)

var (
	// ErrNotFound means the directory answered and has no such student.
	ErrNotFound = errors.New("student not found upstream")
	// ErrUnavailable wraps transport failures, timeouts and malformed replies.
	ErrUnavailable = errors.New("upstream directory unavailable")
)

const userAgent = "iPresence-UCB-API/1.0"

// maxBody caps how much of a directory reply is read.
const maxBody = 1 << 20

// Client calls the upstream directory service.
type Client struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

// New creates a client whose calls never outlive timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// record mirrors the upstream JSON payload.
type record struct {
	Matricule   string    `json:"matricule"`
	Fullname    string    `json:"fullname"`
	Birthday    string    `json:"birthday"`
	Birthplace  string    `json:"birthplace"`
	City        string    `json:"city"`
	CivilStatus string    `json:"civilStatus"`
	Avatar      string    `json:"avatar"`
	Active      flexBool  `json:"active"`
	PromotionID flexInt64 `json:"promotionId"`
}

// FetchStudent looks a student up by matricule.
func (c *Client) FetchStudent(ctx context.Context, matricule string) (*model.Student, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	endpoint := c.BaseURL + "/school-students/read-by-matricule?matricule=" + url.QueryEscape(matricule)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrUnavailable, maxBody)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %s: %s", ErrUnavailable, resp.Status, truncate(body, 200))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, ErrNotFound
	}

	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(rec.Matricule) == "" {
		return nil, ErrNotFound
	}

	st := &model.Student{
		Matricule:   rec.Matricule,
		Fullname:    rec.Fullname,
		Birthday:    rec.Birthday,
		Birthplace:  rec.Birthplace,
		City:        rec.City,
		CivilStatus: rec.CivilStatus,
		Avatar:      rec.Avatar,
		Active:      bool(rec.Active),
	}
	if rec.PromotionID.Valid {
		id := rec.PromotionID.Value
		st.PromotionID = &id
	}
	return st, nil
}

// Health checks that the directory base URL answers at all.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// flexInt64 accepts a number, a numeric string or null.
type flexInt64 struct {
	Value int64
	Valid bool
}

func (n *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = flexInt64{}
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", data)
	}
	*n = flexInt64{Value: v, Valid: true}
	return nil
}
