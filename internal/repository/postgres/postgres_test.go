package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifydispatch/internal/entity"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, entity.ErrNotFound},
		{"unique", &pgconn.PgError{Code: _pgUniqueViolation, ConstraintName: "uq_templates_org_code"}, entity.ErrConflict},
		{"foreign key", &pgconn.PgError{Code: _pgForeignKeyViolation}, entity.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), entity.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, wrap("op", tt.err), tt.want)
		})
	}

	other := errors.New("connection reset")
	err := wrap("op", other)
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, entity.ErrNotFound)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/notify?sslmode=disable", migrateURL("postgres://u:p@db:5432/notify?sslmode=disable"))
	assert.Equal(t, "pgx5://db/notify", migrateURL("postgresql://db/notify"))
	assert.Equal(t, "pgx5://db/notify", migrateURL("pgx5://db/notify"))
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := _migrations.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_init.up.sql")
	assert.Contains(t, names, "000001_init.down.sql")
}

func TestAudienceWhere(t *testing.T) {
	org := uuid.New()
	user := uuid.New()
	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	tests := []struct {
		name     string
		audience entity.Audience
		wantSQL  string
		wantArgs int
	}{
		{"all", entity.Audience{Type: entity.AudienceAll}, "WHERE (om.organization_id = $1)", 1},
		{
			"roles",
			entity.Audience{Type: entity.AudienceRoles, Roles: []string{"operator"}},
			"WHERE (om.organization_id = $1 AND om.roles && $2)", 2,
		},
		{
			"users",
			entity.Audience{Type: entity.AudienceUsers, UserIDs: []uuid.UUID{user}},
			"WHERE (om.organization_id = $1 AND om.user_id IN ($2))", 2,
		},
		{
			"filter",
			entity.Audience{Type: entity.AudienceFilter, Filter: map[string]any{"region": "tashkent"}},
			"WHERE (om.organization_id = $1 AND om.attributes @> $2::jsonb)", 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, err := audienceWhere(org, tt.audience)
			require.NoError(t, err)

			sql, args, err := builder.Select("1").From("organization_members om").Where(where).ToSql()
			require.NoError(t, err)
			assert.Contains(t, sql, tt.wantSQL)
			assert.Len(t, args, tt.wantArgs)
		})
	}

	where, err := audienceWhere(org, entity.Audience{Type: entity.AudienceFilter, Filter: map[string]any{"floor": 3}})
	require.NoError(t, err)
	_, args, err := builder.Select("1").From("organization_members om").Where(where).ToSql()
	require.NoError(t, err)
	assert.Equal(t, `{"floor":"3"}`, args[1])

	_, err = audienceWhere(org, entity.Audience{Type: "everyone"})
	require.ErrorIs(t, err, entity.ErrValidation)
}

func TestNotificationWhere(t *testing.T) {
	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	user := uuid.New()
	read := false

	sql, args, err := builder.Select("1").From(_notificationsTable).Where(notificationWhere(entity.NotificationFilter{
		UserID:   &user,
		Statuses: []entity.Status{entity.StatusSent, entity.StatusDelivered},
		IsRead:   &read,
	})).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "recipient_user_id = $1")
	assert.Contains(t, sql, "status IN ($2,$3)")
	assert.Contains(t, sql, "is_read = $4")
	assert.Contains(t, sql, "expires_at IS NULL OR expires_at > $5")
	assert.Len(t, args, 5)

	sql, _, err = builder.Select("1").From(_notificationsTable).
		Where(notificationWhere(entity.NotificationFilter{IncludeExpired: true})).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, sql, "expires_at")
}

func TestStringConversions(t *testing.T) {
	assert.Equal(t, []string{"push", "email"}, toStrings([]entity.Channel{entity.ChannelPush, entity.ChannelEmail}))
	assert.Equal(t, []string{}, toStrings[entity.Channel](nil))
	assert.Equal(t, []entity.Channel{entity.ChannelSMS}, fromStrings[entity.Channel]([]string{"sms"}))
	assert.Nil(t, fromStrings[entity.Channel](nil))
}
