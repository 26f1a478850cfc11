// Package whiteboard implements the dead-drop server whiteboard links poll:
// an append-only, per-tag post log with absolute indices.
package whiteboard

import (
	"context"
	"fmt"
	"strconv"

	"github.com/starford/racecomms/internal/apperr"
)

// Post is one stored message.
type Post struct {
	Index     int64
	Data      string
	Timestamp float64
}

// TagInfo summarizes one tag.
type TagInfo struct {
	Tag string `json:"tag"`
	// Length is the index the next post will get.
	Length int64 `json:"length"`
	// Retained is how many posts are still stored.
	Retained int64 `json:"retained"`
}

// Store persists posts. Indices are assigned per tag from 0 and never reused;
// dropping old posts does not renumber the survivors.
type Store interface {
	// Append stores data under tag and returns its index.
	Append(ctx context.Context, tag, data string, ts float64) (int64, error)
	// Get returns one post or an error wrapping apperr.ErrNotFound.
	Get(ctx context.Context, tag string, index int64) (Post, error)
	// Range returns the retained posts with start <= index <= stop in index
	// order, plus the tag's next index. Negative bounds count back from the
	// end, -1 being the last post.
	Range(ctx context.Context, tag string, start, stop int64) ([]Post, int64, error)
	// Latest returns the index the next post on tag will get.
	Latest(ctx context.Context, tag string) (int64, error)
	// After returns the index of the first retained post newer than ts, or
	// the next index when there is none.
	After(ctx context.Context, tag string, ts float64) (int64, error)
	// Resize drops the oldest posts so every tag keeps at most keep of them.
	// It returns the number of posts dropped.
	Resize(ctx context.Context, keep int64) (int64, error)
	Info(ctx context.Context) ([]TagInfo, error)
	// Save flushes the backend to disk, blocking when sync is set.
	Save(ctx context.Context, sync bool) error
	Close() error
}

// resolveRange turns possibly negative bounds into absolute indices.
func resolveRange(start, stop, next int64) (int64, int64) {
	if start < 0 {
		start += next
	}
	if stop < 0 {
		stop += next
	}
	if start < 0 {
		start = 0
	}
	return start, stop
}

// FormatTimestamp renders epoch seconds the way the server reports them.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

func getViaRange(ctx context.Context, s Store, tag string, index int64) (Post, error) {
	posts, _, err := s.Range(ctx, tag, index, index)
	if err != nil {
		return Post{}, err
	}
	if len(posts) == 0 {
		return Post{}, fmt.Errorf("%w: post %s/%d", apperr.ErrNotFound, tag, index)
	}
	return posts[0], nil
}
