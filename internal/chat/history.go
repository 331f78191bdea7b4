package chat

import (
	"context"
	"iter"
)

// HistoryReader is the read half of Store.
type HistoryReader interface {
	History(ctx context.Context, a, b, cursor string, limit int) (*Page, error)
}

// Iterate walks the a/b conversation from cursor to the end, one page at a
// time. The sequence stops after the first error. Resuming is a matter of
// passing the cursor of the last page seen.
func Iterate(ctx context.Context, r HistoryReader, a, b, cursor string, pageSize int) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := r.History(ctx, a, b, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if page.NextCursor == "" || page.NextCursor == cursor {
				return
			}
			cursor = page.NextCursor
		}
	}
}
