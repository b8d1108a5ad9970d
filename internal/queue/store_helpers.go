package queue

import (
	"database/sql"
	"sort"
	"strings"
	"time"
)

// timeLayout is fixed width so stored values compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const itemColumns = "id, external_key, platform, account_id, priority, scheduled_time, status, retry_count, last_error, payload_json, listing_id, claim_token, created_at, updated_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		item         Item
		scheduledRaw sql.NullString
		statusStr    string
		lastError    sql.NullString
		payload      sql.NullString
		listingID    sql.NullString
		claimToken   sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&item.ID,
		&item.ExternalKey,
		&item.Platform,
		&item.AccountID,
		&item.Priority,
		&scheduledRaw,
		&statusStr,
		&item.RetryCount,
		&lastError,
		&payload,
		&listingID,
		&claimToken,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item.Status = Status(statusStr)
	item.LastError = lastError.String
	item.PayloadJSON = payload.String
	item.ListingID = listingID.String
	item.ClaimToken = claimToken.String
	if scheduledRaw.Valid {
		if ts, err := parseTime(scheduledRaw.String); err == nil {
			item.ScheduledTime = &ts
		}
	}
	if ts, err := parseTime(createdRaw); err == nil {
		item.CreatedAt = ts
	}
	if ts, err := parseTime(updatedRaw); err == nil {
		item.UpdatedAt = ts
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// sortByClaimOrder orders items by priority, then scheduled time, then id.
func sortByClaimOrder(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		at, bt := scheduledOrZero(a), scheduledOrZero(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.ID < b.ID
	})
}

func scheduledOrZero(item *Item) time.Time {
	if item.ScheduledTime == nil {
		return time.Time{}
	}
	return *item.ScheduledTime
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Platform != "" {
		clauses = append(clauses, "platform = ?")
		args = append(args, f.Platform)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, status := range f.Statuses {
			args = append(args, string(status))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
