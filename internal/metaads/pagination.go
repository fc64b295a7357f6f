package metaads

import (
	"context"
	"time"
)

// AdIterator walks an ad listing page by page, following the server's
// next-page cursors. Usage follows the bufio.Scanner pattern:
//
//	it := client.ListAds(ctx, accountID, opts)
//	for it.Next() {
//	    ad := it.Ad()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
//
// Items are yielded in the server-imposed order; the iterator never reorders.
type AdIterator struct {
	ctx    context.Context
	client *Client

	nextURL string
	buf     []AdSummary
	pos     int
	yielded int
	max     int
	err     error
	done    bool
}

type adListPage struct {
	Data []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Status      string `json:"status"`
		AccountID   string `json:"account_id"`
		UpdatedTime string `json:"updated_time"`
		Creative    *struct {
			ID string `json:"id"`
		} `json:"creative"`
	} `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// Next advances to the following ad, fetching a new page when the buffered
// one is exhausted. It returns false at end-of-data, at the MaxItems cap, or
// on error (check Err).
func (it *AdIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.max > 0 && it.yielded >= it.max {
		it.done = true
		return false
	}
	for it.pos >= len(it.buf) {
		if it.nextURL == "" {
			it.done = true
			return false
		}
		if !it.fetchPage() {
			return false
		}
	}
	it.pos++
	it.yielded++
	return true
}

// Ad returns the current item. Only valid after a true Next.
func (it *AdIterator) Ad() AdSummary {
	return it.buf[it.pos-1]
}

// Err reports the first error the iterator hit, if any.
func (it *AdIterator) Err() error { return it.err }

func (it *AdIterator) fetchPage() bool {
	var page adListPage
	if err := it.client.getJSON(it.ctx, it.nextURL, &page); err != nil {
		it.err = err
		return false
	}

	it.buf = it.buf[:0]
	for _, raw := range page.Data {
		ad := AdSummary{
			ID:        raw.ID,
			Name:      raw.Name,
			Status:    raw.Status,
			AccountID: raw.AccountID,
		}
		if raw.Creative != nil {
			ad.CreativeID = raw.Creative.ID
		}
		if raw.UpdatedTime != "" {
			if t, err := time.Parse("2006-01-02T15:04:05-0700", raw.UpdatedTime); err == nil {
				ad.UpdatedTime = t
			}
		}
		it.buf = append(it.buf, ad)
	}
	it.pos = 0
	it.nextURL = page.Paging.Next
	return len(it.buf) > 0 || it.nextURL != ""
}
