// Package dbqueue stores queue jobs in a database table. Postgres claims rows
// with FOR UPDATE SKIP LOCKED, other dialects claim with a conditional update.
package dbqueue

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/queue"
	"gorm.io/gorm"
)

type JobRecord struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Kind      string       `gorm:"type:text;not null"`
	Payload   string       `gorm:"type:text;not null"`
	Attempts  int          `gorm:"not null;default:0"`
	Receipt   string       `gorm:"type:text"`
	VisibleAt time.Time    `gorm:"not null;index"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (JobRecord) TableName() string { return "queue_jobs" }

type Queue struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func New(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.System()
	}
	return &Queue{db: db, genID: genID, clock: clk}
}

func (q *Queue) Enqueue(ctx context.Context, jobs ...queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := q.clock.Now()
	records := make([]JobRecord, 0, len(jobs))
	for _, job := range jobs {
		payload, err := queue.EncodeContext(ctx, job)
		if err != nil {
			return err
		}
		records = append(records, JobRecord{
			ID:        q.genID.Generate(),
			Kind:      string(job.Kind()),
			Payload:   string(payload),
			VisibleAt: now,
			CreatedAt: now,
		})
	}
	return q.db.WithContext(ctx).Create(&records).Error
}

func (q *Queue) Receive(ctx context.Context, max int, visibility time.Duration) ([]queue.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	now := q.clock.Now()

	var (
		claimed []JobRecord
		err     error
	)
	if strings.EqualFold(q.db.Dialector.Name(), "postgres") {
		claimed, err = q.claimLocked(ctx, now, max, visibility)
	} else {
		claimed, err = q.claimConditional(ctx, now, max, visibility)
	}
	if err != nil {
		return nil, err
	}

	out := make([]queue.Delivery, 0, len(claimed))
	for _, row := range claimed {
		d := queue.Delivery{
			ID:       row.ID.String(),
			Receipt:  row.Receipt,
			Attempts: row.Attempts,
		}
		d.Job, d.Trace, d.Err = queue.DecodeEnvelope([]byte(row.Payload))
		out = append(out, d)
	}
	return out, nil
}

func (q *Queue) claimLocked(ctx context.Context, now time.Time, max int, visibility time.Duration) ([]JobRecord, error) {
	var claimed []JobRecord
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []JobRecord
		if err := tx.Raw(
			`SELECT id, kind, payload, attempts, receipt, visible_at, created_at
			 FROM queue_jobs
			 WHERE visible_at <= ?
			 ORDER BY visible_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			now,
			max,
		).Scan(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			receipt := uuid.NewString()
			if err := tx.Model(&JobRecord{}).
				Where("id = ?", rows[i].ID).
				Updates(map[string]any{
					"receipt":    receipt,
					"attempts":   gorm.Expr("attempts + 1"),
					"visible_at": now.Add(visibility),
				}).Error; err != nil {
				return err
			}
			rows[i].Receipt = receipt
			rows[i].Attempts++
		}
		claimed = rows
		return nil
	})
	return claimed, err
}

// claimConditional races other consumers on the attempts counter; a row whose
// counter moved was claimed by someone else.
func (q *Queue) claimConditional(ctx context.Context, now time.Time, max int, visibility time.Duration) ([]JobRecord, error) {
	var rows []JobRecord
	if err := q.db.WithContext(ctx).
		Where("visible_at <= ?", now).
		Order("visible_at ASC, id ASC").
		Limit(max).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	claimed := make([]JobRecord, 0, len(rows))
	for _, row := range rows {
		receipt := uuid.NewString()
		res := q.db.WithContext(ctx).Model(&JobRecord{}).
			Where("id = ? AND attempts = ?", row.ID, row.Attempts).
			Updates(map[string]any{
				"receipt":    receipt,
				"attempts":   row.Attempts + 1,
				"visible_at": now.Add(visibility),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		row.Receipt = receipt
		row.Attempts++
		claimed = append(claimed, row)
	}
	return claimed, nil
}

func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	id, err := snowflake.ParseString(d.ID)
	if err != nil {
		return err
	}
	res := q.db.WithContext(ctx).
		Where("id = ? AND receipt = ?", id, d.Receipt).
		Delete(&JobRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrReceiptMismatch
	}
	return nil
}

// Depth counts stored jobs, visible or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&JobRecord{}).Count(&n).Error
	return n, err
}

func (q *Queue) Ping(ctx context.Context) error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
