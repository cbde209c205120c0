package billing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
)

func newMockRepository(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return NewRepository(db), mock
}

func subscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "plan_id", "status", "currency", "unit_amount", "live_user_id"}).
		AddRow(4, 9, 2, models.SubscriptionStatusActive, "USD", "10.00", 9)
}

func TestIncrementUsageIsConditionalOnLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "within limit", affected: 1, want: true},
		{name: "limit reached", affected: 0, want: false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			repo, mock := newMockRepository(t)

			mock.ExpectExec("UPDATE `usages` SET `used`=used \\+ \\?,`updated_at`=\\? WHERE id = \\? AND used \\+ \\? <= \\?").
				WithArgs(int64(2), sqlmock.AnyArg(), 5, int64(2), int64(3)).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))

			ok, err := repo.IncrementUsage(context.Background(), 5, 2, limit(3))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIncrementUsageWithoutLimit(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)

	mock.ExpectExec("UPDATE `usages` SET `used`=used \\+ \\?,`updated_at`=\\? WHERE id = \\?$").
		WithArgs(int64(1), sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.IncrementUsage(context.Background(), 5, 1, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateUsageIgnoresDuplicateInsert(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectExec("INSERT INTO `usages` .*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT \\* FROM `usages` WHERE subscription_id = \\? AND feature_key = \\? AND period_start = \\? AND period_end = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_id", "feature_key", "period_start", "period_end", "used"}).
			AddRow(12, 4, "jobs_per_day", start, end, 7))

	usage, err := repo.GetOrCreateUsage(context.Background(), 4, "jobs_per_day", start, end)
	require.NoError(t, err)
	assert.Equal(t, uint(12), usage.ID)
	assert.Equal(t, int64(7), usage.Used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventLogDedupesOnRowsAffected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	mock.ExpectExec("INSERT INTO `billing_event_logs` .*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO `billing_event_logs` .*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	entry := &models.EventLog{Provider: "stripe", EventID: "evt_1", EventType: "invoice.paid", Payload: "{}", ReceivedAt: time.Now()}
	inserted, err := repo.AppendEventLog(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, uint(7), entry.ID)

	again := &models.EventLog{Provider: "stripe", EventID: "evt_1", EventType: "invoice.paid", Payload: "{}", ReceivedAt: time.Now()}
	inserted, err = repo.AppendEventLog(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockLiveSubscriptionInsideTransaction(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `subscriptions` WHERE live_user_id = \\? ORDER BY `subscriptions`.`id` LIMIT .*FOR UPDATE").
		WillReturnRows(subscriptionRows())
	mock.ExpectQuery("SELECT \\* FROM `plans` WHERE `plans`.`id` = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "name"}).AddRow(2, "basic", "Basic"))
	mock.ExpectCommit()

	var got *models.Subscription
	err := repo.Transaction(context.Background(), func(tx Repository) error {
		var err error
		got, err = tx.LockLiveSubscription(context.Background(), 9)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint(4), got.ID)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "basic", got.Plan.Slug)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockLiveSubscriptionNotFoundRollsBack(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `subscriptions` WHERE live_user_id = \\? .*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := repo.Transaction(context.Background(), func(tx Repository) error {
		_, err := tx.LockLiveSubscription(context.Background(), 9)
		return err
	})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockLatestSubscriptionOrdersByPeriodEnd(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("SELECT \\* FROM `subscriptions` WHERE user_id = \\? ORDER BY current_period_end DESC, id DESC.*FOR UPDATE").
		WillReturnRows(subscriptionRows())
	mock.ExpectQuery("SELECT \\* FROM `plans` WHERE `plans`.`id` = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug"}).AddRow(2, "basic"))

	sub, err := repo.LockLatestSubscription(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, uint(4), sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockSubscriptionByExternalIDRequiresReference(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)

	_, err := repo.LockSubscriptionByExternalID(context.Background(), "stripe", " ")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	mock.ExpectQuery("SELECT \\* FROM `subscriptions` WHERE provider = \\? AND external_subscription_id = \\? ORDER BY id DESC.*FOR UPDATE").
		WillReturnRows(subscriptionRows())
	mock.ExpectQuery("SELECT \\* FROM `plans`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))

	sub, err := repo.LockSubscriptionByExternalID(context.Background(), "stripe", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, uint(4), sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
