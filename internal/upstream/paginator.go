package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	logx "bonusvarsel/pkg/logx"
)

// DefaultMaxPages is the page ceiling of one listing.
const DefaultMaxPages = 200

// Getter is the single-page fetch the paginator drives.
type Getter interface {
	Fetch(ctx context.Context, url string) (json.RawMessage, error)
}

// Paginator follows next links from a first page URL.
type Paginator struct {
	get      Getter
	base     *url.URL
	maxPages int
	log      logx.Logger
}

func NewPaginator(get Getter, apiBase string, maxPages int, log logx.Logger) (*Paginator, error) {
	if get == nil {
		return nil, errors.New("paginator: nil getter")
	}
	base, err := parseBase(apiBase)
	if err != nil {
		return nil, err
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Paginator{get: get, base: base, maxPages: maxPages, log: log}, nil
}

// FetchAll returns every page body in order. Any fetch error aborts the
// listing; more than maxPages pages fails with ErrPaginationOverflow.
func (p *Paginator) FetchAll(ctx context.Context, firstURL string) ([]json.RawMessage, error) {
	next, err := p.resolve(firstURL)
	if err != nil {
		return nil, err
	}

	var pages []json.RawMessage
	for next != "" {
		if len(pages) >= p.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages from %s", ErrPaginationOverflow, p.maxPages, firstURL)
		}
		body, err := p.get.Fetch(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", len(pages)+1, err)
		}
		pages = append(pages, body)

		ref := nextRef(body)
		if ref == "" {
			break
		}
		if next, err = p.resolve(ref); err != nil {
			return nil, fmt.Errorf("page %d: %w", len(pages), err)
		}
	}
	p.log.Debug("pagination done", logx.String("url", firstURL), logx.Int("pages", len(pages)))
	return pages, nil
}

// resolve returns ref as an absolute URL. Absolute http(s) references pass
// through; anything else is joined below the API base.
func (p *Paginator) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid page link %q: %w", ref, err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("invalid page link %q: unsupported scheme", ref)
		}
		return u.String(), nil
	}
	rel, err := url.Parse(strings.TrimPrefix(ref, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid page link %q: %w", ref, err)
	}
	return p.base.ResolveReference(rel).String(), nil
}

// nextRef reads links.next, falling back to next_page_url. A non-string or
// null value ends pagination.
func nextRef(body json.RawMessage) string {
	var page struct {
		Links       json.RawMessage `json:"links"`
		NextPageURL json.RawMessage `json:"next_page_url"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return ""
	}
	if len(page.Links) > 0 {
		var links struct {
			Next json.RawMessage `json:"next"`
		}
		if json.Unmarshal(page.Links, &links) == nil {
			if s := rawString(links.Next); s != "" {
				return s
			}
		}
	}
	return rawString(page.NextPageURL)
}

func rawString(b json.RawMessage) string {
	var s string
	if len(b) == 0 || json.Unmarshal(b, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Flatten concatenates the data array of every page in order. Pages whose
// data is missing or not an array contribute nothing. Numbers decode as
// json.Number.
func Flatten(pages []json.RawMessage) []any {
	out := []any{}
	for _, body := range pages {
		var page struct {
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal(body, &page) != nil || len(page.Data) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(page.Data))
		dec.UseNumber()
		var items []any
		if dec.Decode(&items) != nil {
			continue
		}
		out = append(out, items...)
	}
	return out
}

// Query is the filter set of a catalog listing.
type Query struct {
	Channel  string
	Language string
	Country  string
	PerPage  int
	// Amount is sent as filter[amount] when positive (campaign listings).
	Amount int
}

// BuildURL returns the first-page URL for path under apiBase. Empty filters
// are omitted; page starts at 1.
func BuildURL(apiBase, path string, q Query) (string, error) {
	base, err := parseBase(apiBase)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	u := base.ResolveReference(rel)

	v := u.Query()
	set := func(k, val string) {
		if strings.TrimSpace(val) != "" {
			v.Set(k, val)
		}
	}
	set("filter[channel]", q.Channel)
	set("filter[language]", q.Language)
	set("filter[country]", q.Country)
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.Amount > 0 {
		v.Set("filter[amount]", strconv.Itoa(q.Amount))
	}
	if v.Get("page") == "" {
		v.Set("page", "1")
	}
	u.RawQuery = v.Encode()
	return u.String(), nil
}

func parseBase(apiBase string) (*url.URL, error) {
	apiBase = strings.TrimSpace(apiBase)
	if !strings.HasSuffix(apiBase, "/") {
		apiBase += "/"
	}
	u, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("invalid api base %q: %w", apiBase, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api base %q: scheme must be http or https", apiBase)
	}
	return u, nil
}
