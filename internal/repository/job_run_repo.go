package repository

import (
	"context"
	"errors"

	"bonusledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type JobRunRepository struct {
	db *gorm.DB
}

func NewJobRunRepository(db *gorm.DB) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// HasRunOn 任务当天是否已执行过
func (r *JobRunRepository) HasRunOn(ctx context.Context, jobName, date string) (bool, error) {
	var run model.JobRun
	err := r.db.WithContext(ctx).Where("job_name = ?", jobName).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return run.LastRunDate == date, nil
}

// MarkRun 记录任务在指定日期已执行（upsert）
func (r *JobRunRepository) MarkRun(ctx context.Context, jobName, date string) error {
	run := &model.JobRun{
		JobName:     jobName,
		LastRunDate: date,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_run_date"}),
		}).
		Create(run).Error
}
