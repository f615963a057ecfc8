package obs

import (
	"expvar"
	"sync/atomic"
)

var (
	generationsCompleted int64
	generationsFailed    int64
	billingAnomalies     int64
	duplicateCompletions int64
	staleJobsSwept       int64
	paymentsCredited     int64
)

func init() {
	publish("generation_completed_total", &generationsCompleted)
	publish("generation_failed_total", &generationsFailed)
	publish("billing_anomalies_total", &billingAnomalies)
	publish("completion_duplicates_total", &duplicateCompletions)
	publish("stale_jobs_swept_total", &staleJobsSwept)
	publish("payments_credited_total", &paymentsCredited)
}

func publish(name string, v *int64) {
	expvar.Publish(name, expvar.Func(func() any {
		return atomic.LoadInt64(v)
	}))
}

func RecordGenerationCompleted() { atomic.AddInt64(&generationsCompleted, 1) }

func RecordGenerationFailed() { atomic.AddInt64(&generationsFailed, 1) }

// RecordBillingAnomaly 记录“产物已交付但扣费失败”的次数，需要人工对账。
func RecordBillingAnomaly() { atomic.AddInt64(&billingAnomalies, 1) }

// RecordDuplicateCompletion 记录重复的完成触发（重复 webhook / 轮询与 webhook 并发）。
func RecordDuplicateCompletion() { atomic.AddInt64(&duplicateCompletions, 1) }

func RecordStaleJobSwept() { atomic.AddInt64(&staleJobsSwept, 1) }

func RecordPaymentCredited() { atomic.AddInt64(&paymentsCredited, 1) }

// BillingAnomalies 返回当前累计的计费异常数（用于测试与健康检查）。
func BillingAnomalies() int64 { return atomic.LoadInt64(&billingAnomalies) }
