package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// SaveMetrics 保存/删除次数统计，按分支与结果区分
type SaveMetrics struct {
	saves *prometheus.CounterVec
}

// NewSaveMetrics 创建并注册指标，reg 为 nil 时只创建不注册
func NewSaveMetrics(reg prometheus.Registerer) *SaveMetrics {
	m := &SaveMetrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimo_mes",
			Subsystem: "process",
			Name:      "saves_total",
			Help:      "Process document writes by branch and result.",
		}, []string{"action", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.saves)
	}
	return m
}

func (m *SaveMetrics) observeSave(action string, err error) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(action, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrency):
		return "conflict"
	default:
		return "error"
	}
}
