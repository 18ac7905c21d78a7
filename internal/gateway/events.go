package gateway

import (
	"context"

	"github.com/nao1215/mealprep/pkg/event"
	"github.com/nao1215/mealprep/pkg/orchestrator"
	"go.uber.org/zap"
)

// emit は分析イベントを分析サービスへ非同期に送信する。
// 送信の失敗はログに記録するのみで、元のリクエストには影響させない。
func (s *Server) emit(ctx context.Context, userID string, eventType event.Type, data any) {
	ev, err := event.New(userID, eventType, data)
	if err != nil {
		s.logger.Error("分析イベントの生成に失敗", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}

	// リクエストIDなどの値は引き継ぎ、リクエストのキャンセルからは切り離す
	ctx = context.WithoutCancel(ctx)

	s.events.Add(1)
	go func() {
		defer s.events.Done()
		if _, err := s.orch.Call(ctx, orchestrator.ServiceAnalytics, "/events", ev); err != nil {
			s.logger.Warn("分析イベントの送信に失敗",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(eventType)),
				zap.Error(err),
			)
		}
	}()
}

// WaitEvents は送信中の分析イベントがすべて完了するまで待つ。
func (s *Server) WaitEvents() {
	s.events.Wait()
}
