package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "VaultGuard-Chain/internal/errors"
)

// Type 标识一类授权引擎事件。
type Type string

const (
	TypeOperationExecuted  Type = "operation.executed"
	TypeOperationRejected  Type = "operation.rejected"
	TypeModuleInstalled    Type = "module.installed"
	TypeModuleUninstalled  Type = "module.uninstalled"
	TypeRootAuthorityReset Type = "root_authority.reset"
	TypeEmergencyRecovery  Type = "emergency.recovery"
	TypeRecoveryInitiated  Type = "recovery.initiated"
	TypeRecoveryExecuted   Type = "recovery.executed"
	TypeRecoveryCancelled  Type = "recovery.cancelled"
	TypeSpendRecorded      Type = "spend.recorded"
	TypeSpendRejected      Type = "spend.rejected"
)

// Event 描述一次需要对外广播的授权事件，供风控与审计消费。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Account    string            `json:"account"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// New 构造一个带唯一标识与时间戳的事件。
func New(eventType Type, account string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Account:    account,
		OccurredAt: time.Now().Unix(),
	}
}

// WithCode 附加错误码。
func (e Event) WithCode(code xerrors.Code) Event {
	e.Code = code
	return e
}

// WithMessage 附加描述信息。
func (e Event) WithMessage(message string) Event {
	e.Message = message
	return e
}

// WithMetadata 附加键值信息。
func (e Event) WithMetadata(key, value string) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Publisher 负责将事件投递到外部通道。
// 投递失败不会阻断授权流程本身，由调用方决定如何降级。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
