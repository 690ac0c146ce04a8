package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"nightguard-core/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EmergencyRepository 紧急事件仓库（PostgreSQL）
// 核心不拥有表结构，只依赖窄读写端口对应的列
type EmergencyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEmergencyRepository 创建紧急事件仓库
func NewEmergencyRepository(db *sql.DB, logger *zap.Logger) *EmergencyRepository {
	return &EmergencyRepository{
		db:     db,
		logger: logger,
	}
}

// CreateEmergency 写入最小事件记录并返回 ID
func (r *EmergencyRepository) CreateEmergency(ctx context.Context, rec models.Emergency) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO emergencies (id, device_id, zone_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		id, rec.DeviceID, rec.ZoneID, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create emergency: %w", err)
	}

	r.logger.Info("Emergency created",
		zap.String("emergency_id", id),
		zap.String("device_id", rec.DeviceID),
		zap.String("zone_id", rec.ZoneID),
	)

	return id, nil
}

// UpdateEmergency 按补丁更新事件
func (r *EmergencyRepository) UpdateEmergency(ctx context.Context, id string, patch models.EmergencyPatch) error {
	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	addClause := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argPos))
		args = append(args, value)
		argPos++
	}

	if patch.Status != nil {
		addClause("status", string(*patch.Status))
	}
	if patch.ResponseStartedAt != nil {
		addClause("response_started_at", *patch.ResponseStartedAt)
	}
	if patch.ResolvedAt != nil {
		addClause("resolved_at", *patch.ResolvedAt)
	}
	if patch.ResponseTime != nil {
		addClause("response_time_ms", patch.ResponseTime.Milliseconds())
	}
	if patch.Resolution != nil {
		addClause("resolution", *patch.Resolution)
	}
	if patch.EscalationReason != nil {
		addClause("escalation_reason", *patch.EscalationReason)
	}

	if len(setClauses) == 0 {
		return nil
	}

	addClause("updated_at", time.Now())

	query := fmt.Sprintf(
		"UPDATE emergencies SET %s WHERE id = $%d",
		strings.Join(setClauses, ", "), argPos,
	)
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update emergency: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("emergency not found: %s", id)
	}

	return nil
}

// FindActiveSecurityUsers 查询在岗安保人员
func (r *EmergencyRepository) FindActiveSecurityUsers(ctx context.Context) ([]models.SecurityUser, error) {
	query := `
		SELECT user_id, device_id, role, status
		FROM users
		WHERE role = 'SECURITY' AND status = 'ACTIVE'
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query security users: %w", err)
	}
	defer rows.Close()

	var users []models.SecurityUser
	for rows.Next() {
		var u models.SecurityUser
		if err := rows.Scan(&u.UserID, &u.DeviceID, &u.Role, &u.Status); err != nil {
			return nil, fmt.Errorf("failed to scan security user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security users: %w", err)
	}

	return users, nil
}

// MinimizeEmergency 数据最小化：剥离位置与设备信息，仅保留匿名审计标记
func (r *EmergencyRepository) MinimizeEmergency(ctx context.Context, id string) error {
	query := `
		UPDATE emergencies
		SET device_id = 'anonymized', zone_id = 'anonymized', minimized_at = $1
		WHERE id = $2
	`
	result, err := r.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to minimize emergency: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check minimize result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("emergency not found: %s", id)
	}

	r.logger.Info("Emergency data minimized",
		zap.String("emergency_id", id),
	)

	return nil
}
