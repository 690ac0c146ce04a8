package models

import "time"

// EmergencyPatch 紧急事件部分更新（nil 字段不更新）
type EmergencyPatch struct {
	Status            *EmergencyStatus
	ResponseStartedAt *time.Time
	ResolvedAt        *time.Time
	ResponseTime      *time.Duration
	Resolution        *string
	EscalationReason  *string
}
