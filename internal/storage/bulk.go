package storage

import (
	"time"

	"github.com/jackc/pgx/v4"
)

type memberRow struct {
	chatID, userID string
	joinedAt       time.Time
}

type memberBulk struct {
	rows []memberRow
	idx  int
}

func (r memberRow) toInterface() []interface{} {
	return []interface{}{r.chatID, r.userID, r.joinedAt}
}

// memberRows keeps the order of userIDs in joinedAt so that members are listed in insertion order
func memberRows(chatID string, userIDs []string, now time.Time) []memberRow {
	rows := make([]memberRow, 0, len(userIDs))
	for i, userID := range userIDs {
		rows = append(rows, memberRow{
			chatID:   chatID,
			userID:   userID,
			joinedAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return rows
}

func copyFromMembers(rows []memberRow) pgx.CopyFromSource {
	return &memberBulk{
		rows: rows,
		idx:  -1,
	}
}

func (mb *memberBulk) Next() bool {
	mb.idx++
	return mb.idx < len(mb.rows)
}

func (mb *memberBulk) Values() ([]interface{}, error) {
	return mb.rows[mb.idx].toInterface(), nil
}

func (mb *memberBulk) Err() error {
	return nil
}
