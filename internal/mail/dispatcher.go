package mail

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// defaultSendTimeout は1通あたりの送信タイムアウト。
const defaultSendTimeout = 30 * time.Second

// PlainTexter はHTML本文からテキスト版を生成する。
type PlainTexter interface {
	PlainText(htmlBody string) string
}

// EmailRecorder はメール送信の結果を記録する。
type EmailRecorder interface {
	RecordEmail(kind, outcome string)
}

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	TTLs        map[model.TokenKind]time.Duration // 本文に表示する有効期限
	SendTimeout time.Duration
}

// Dispatcher はauth.Notifierを実装し、メールをゴルーチンで非同期に送信する。
// 送信失敗はログとメトリクスに記録するのみで、再送は行わない。
type Dispatcher struct {
	sender   Sender
	text     PlainTexter
	recorder EmailRecorder
	logger   *slog.Logger
	cfg      DispatcherConfig

	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	inflight int
}

// NewDispatcher はDispatcherを生成する。recorderはnilを許容する。
func NewDispatcher(sender Sender, text PlainTexter, recorder EmailRecorder, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Dispatcher{
		sender:   sender,
		text:     text,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// Notify はリンク入りのメールを組み立て、バックグラウンドで送信する。
// 呼び出し元のリクエストを待たせない。Shutdown後の呼び出しは破棄する。
func (d *Dispatcher) Notify(kind model.TokenKind, user *model.User, link string) {
	subject, htmlBody, err := render(kind, messageData{
		Name:      user.FullName,
		Link:      link,
		ExpiresIn: humanizeTTL(d.cfg.TTLs[kind]),
	})
	if err != nil {
		d.logger.Error("failed to render email",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		d.record(kind, "render_error")
		return
	}
	textBody := d.text.PlainText(htmlBody)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("email dropped after shutdown",
			slog.String("kind", string(kind)),
			slog.String("user_id", user.ID),
		)
		d.record(kind, "dropped")
		return
	}
	d.inflight++
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.inflight--
			d.mu.Unlock()
			d.wg.Done()
		}()
		d.send(kind, user, subject, textBody, htmlBody)
	}()
}

func (d *Dispatcher) send(kind model.TokenKind, user *model.User, subject, textBody, htmlBody string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	if err := d.sender.Send(ctx, user.Email, subject, textBody, htmlBody); err != nil {
		d.logger.Error("failed to send email",
			slog.String("kind", string(kind)),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		d.record(kind, "error")
		return
	}
	d.logger.Info("email sent",
		slog.String("kind", string(kind)),
		slog.String("user_id", user.ID),
		slog.Duration("duration", time.Since(start)),
	)
	d.record(kind, "sent")
}

func (d *Dispatcher) record(kind model.TokenKind, outcome string) {
	if d.recorder != nil {
		d.recorder.RecordEmail(string(kind), outcome)
	}
}

// InFlight は送信中のメール数を返す。
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// Wait は送信中のメールがすべて終わるまで待つ。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown は新規の送信受付を止め、送信中のメールの完了をctxの期限まで待つ。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown timed out with emails in flight",
			slog.Int("inflight", d.InFlight()),
		)
		return ctx.Err()
	}
}
