package coru

import (
	"go.uber.org/zap"
)

func zapTaskFields(t *Task) []zap.Field {
	fields := []zap.Field{
		zap.Uint32("id", t.id),
		zap.String("name", t.name),
		zap.Stringer("status", t.Status()),
		zap.Int32("vpu", t.vpuID.Load()),
	}
	if t.wait != nil {
		fields = append(fields, zap.Int("waiters_on_queue", t.wait.count))
	}
	return fields
}
