package job

import (
	"context"
	"log"
	"time"

	"fedipay/internal/repository"
	"fedipay/internal/service"

	"gorm.io/gorm"
)

// InvoiceExpiryChecker 定期清理已过期仍处于 PENDING 的发票
//
// 联邦侧的订阅在发票过期后不一定推送终态，
// 没有这个兜底，放弃支付的发票会永远挂在 PENDING
type InvoiceExpiryChecker struct {
	db          *gorm.DB
	invoiceRepo *repository.InvoiceRepository
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewInvoiceExpiryChecker(db *gorm.DB) *InvoiceExpiryChecker {
	return &InvoiceExpiryChecker{
		db:          db,
		invoiceRepo: repository.NewInvoiceRepository(db),
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   200,
	}
}

func (c *InvoiceExpiryChecker) Start(ctx context.Context) {
	log.Println("[Job] 发票过期检查任务启动")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Job] 收到停止信号，发票过期检查退出")
			return
		case <-c.stopCh:
			log.Println("[Job] 发票过期检查停止")
			return
		case <-ticker.C:
			c.checkExpiredInvoices(ctx)
		}
	}
}

func (c *InvoiceExpiryChecker) Stop() {
	close(c.stopCh)
}

func (c *InvoiceExpiryChecker) checkExpiredInvoices(ctx context.Context) {
	invoices, err := c.invoiceRepo.GetPending(ctx)
	if err != nil {
		log.Printf("[Job] 查询待支付发票失败: %v", err)
		return
	}

	expired := 0
	for _, invoice := range invoices {
		if expired >= c.batchSize {
			break
		}
		if !service.Bolt11Expired(invoice.Bolt11) {
			continue
		}
		// 带状态条件的更新，和订阅回调竞争时只有一方生效
		if err := c.invoiceRepo.SetCancelled(ctx, invoice.ID); err != nil {
			if err != repository.ErrInvoiceStatusInvalid {
				log.Printf("[Job] 取消过期发票失败: invoiceId=%d, err=%v", invoice.ID, err)
			}
			continue
		}
		expired++
	}

	if expired > 0 {
		log.Printf("[Job] 本轮取消过期发票 %d 笔", expired)
	}
}
