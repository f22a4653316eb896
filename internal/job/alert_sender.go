package job

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"fedipay/internal/config"
	"fedipay/internal/infrastructure/mq"
	"fedipay/internal/model"
	"fedipay/internal/repository"

	"gorm.io/gorm"
)

const alertMaxRetry = 5

// AlertSender 把投递失败告警推到运维告警 topic
//
// watcher 对到账通知只试一次，失败不重试；失败事实必须有出口，
// 否则收款人收了钱却拿不到凭据的情况会被静默吞掉
type AlertSender struct {
	db        *gorm.DB
	alertRepo *repository.AlertRepository
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewAlertSender(db *gorm.DB, cfg *config.Config) *AlertSender {
	return &AlertSender{
		db:        db,
		alertRepo: repository.NewAlertRepository(db),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  5 * time.Second,
		batchSize: 100,
	}
}

func (s *AlertSender) Start(ctx context.Context) {
	log.Println("[AlertSender] 告警发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[AlertSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[AlertSender] 任务停止")
			return
		case <-ticker.C:
			s.sendPendingAlerts(ctx)
		}
	}
}

func (s *AlertSender) Stop() {
	close(s.stopCh)
}

func (s *AlertSender) sendPendingAlerts(ctx context.Context) {
	alerts, err := s.alertRepo.GetPending(ctx, s.batchSize)
	if err != nil {
		log.Printf("[AlertSender] 查询待发告警失败: %v", err)
		return
	}

	for _, alert := range alerts {
		payload, _ := json.Marshal(map[string]interface{}{
			"invoiceId": alert.InvoiceID,
			"pubkey":    alert.Pubkey,
			"reason":    alert.Reason,
			"createdAt": alert.CreatedAt.Format(time.RFC3339),
		})

		err := mq.SendMessage(s.cfg.Kafka.Topic.DeliveryAlert, alert.Pubkey, string(payload))
		if err != nil {
			log.Printf("[AlertSender] 发送告警失败: alertId=%d, err=%v", alert.ID, err)
			if alert.RetryCount+1 >= alertMaxRetry {
				if err := s.alertRepo.MarkAsFailed(ctx, alert.ID); err != nil {
					log.Printf("[AlertSender] 标记告警失败出错: alertId=%d, err=%v", alert.ID, err)
				}
			} else if err := s.alertRepo.IncrementRetry(ctx, alert.ID); err != nil {
				log.Printf("[AlertSender] 更新重试计数出错: alertId=%d, err=%v", alert.ID, err)
			}
			continue
		}

		if err := s.alertRepo.UpdateStatus(ctx, alert.ID, model.AlertStatusSent); err != nil {
			log.Printf("[AlertSender] 标记告警已发送出错: alertId=%d, err=%v", alert.ID, err)
		}
	}
}
