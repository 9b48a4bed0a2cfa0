package backfill

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/makersync/backfill/pkg/types"
)

// PageCursor is the structured cursor for page-numbered source APIs (pull
// requests, builds, deployments). PageNo is the next page to fetch.
type PageCursor struct {
	PageNo  int `json:"pageNo"`
	PerPage int `json:"perPage"`
}

// ParsePageCursor decodes a stored page cursor. An empty cursor starts from
// page one at the given page size.
func ParsePageCursor(raw string, defaultPerPage int) (PageCursor, error) {
	if raw == "" {
		return PageCursor{PageNo: 1, PerPage: defaultPerPage}, nil
	}
	var c PageCursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return PageCursor{}, fmt.Errorf("invalid page cursor %q: %w", raw, err)
	}
	if c.PageNo < 1 || c.PerPage < 1 {
		return PageCursor{}, fmt.Errorf("invalid page cursor %q: non-positive page or size", raw)
	}
	return c, nil
}

func (c PageCursor) String() string {
	out, _ := json.Marshal(c)
	return string(out)
}

// ScaleCursor recomputes a page cursor for a new page size, preserving the
// number of already-fetched items. Rounds down so no unfetched item is ever
// skipped; the cost is re-fetching at most perPage-1 items.
func ScaleCursor(c PageCursor, perPage int) PageCursor {
	if c.PerPage == perPage {
		return c
	}
	itemsFetched := (c.PageNo - 1) * c.PerPage
	return PageCursor{
		PageNo:  itemsFetched/perPage + 1,
		PerPage: perPage,
	}
}

// CommitCursor is the composite commit cursor: the SHA of the last consumed
// commit plus the next page number, stored as "<sha> <page>".
type CommitCursor struct {
	SHA    string
	PageNo int
}

// ParseCommitCursor decodes a stored commit cursor. Empty means start from
// page one.
func ParseCommitCursor(raw string) (CommitCursor, error) {
	if raw == "" {
		return CommitCursor{PageNo: 1}, nil
	}
	parts := strings.Fields(raw)
	if len(parts) != 2 {
		return CommitCursor{}, fmt.Errorf("invalid commit cursor %q", raw)
	}
	page, err := strconv.Atoi(parts[1])
	if err != nil || page < 1 {
		return CommitCursor{}, fmt.Errorf("invalid commit cursor %q: bad page number", raw)
	}
	return CommitCursor{SHA: parts[0], PageNo: page}, nil
}

func (c CommitCursor) String() string {
	return fmt.Sprintf("%s %d", c.SHA, c.PageNo)
}

// SkipCursorForFailure advances a failing task's cursor past the bad page.
// Page-numbered cursors can always skip; the composite commit cursor can
// skip only when a valid cursor already exists; opaque cursors (branches,
// alerts) cannot skip at all. Returns false when skipping is impossible and
// the task must be marked failed instead.
func SkipCursorForFailure(taskType types.TaskType, cursor string, skipCount, defaultPerPage int) (string, bool) {
	switch taskType {
	case types.TaskPull, types.TaskBuild, types.TaskDeployment:
		c, err := ParsePageCursor(cursor, defaultPerPage)
		if err != nil {
			return "", false
		}
		c.PageNo += skipCount
		return c.String(), true
	case types.TaskCommit:
		c, err := ParseCommitCursor(cursor)
		if err != nil || c.SHA == "" {
			return "", false
		}
		c.PageNo += skipCount
		return c.String(), true
	default:
		return "", false
	}
}
