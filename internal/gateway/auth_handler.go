package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/mealprep/pkg/event"
	"github.com/nao1215/mealprep/pkg/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// unauthorizedBody は認証失敗時に返す共通のレスポンスボディ。
// 失敗理由はクライアントに返さない。
var unauthorizedBody = gin.H{"error": "unauthorized"}

// handleRegister はユーザー登録を行うハンドラを返す。
// 登録に成功するとトークンペアを発行して201を返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("パスワードのハッシュ化に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			return
		}

		user := &User{
			ID:           uuid.NewString(),
			Username:     strings.TrimSpace(req.Username),
			Email:        strings.ToLower(strings.TrimSpace(req.Email)),
			PasswordHash: string(hash),
			Role:         token.DefaultRole,
			IsActive:     true,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.users.Create(c.Request.Context(), user); err != nil {
			if errors.Is(err, ErrUserAlreadyExists) {
				c.JSON(http.StatusConflict, gin.H{"error": "ユーザー名またはメールアドレスは既に使用されています"})
				return
			}
			s.logger.Error("ユーザーの登録に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			return
		}

		pair, err := s.tokens.IssuePair(user.ID, user.Username, user.Email, user.Role)
		if err != nil {
			s.logger.Error("トークンの発行に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの発行に失敗しました"})
			return
		}

		s.logger.Info("ユーザーを登録しました", zap.String("user_id", user.ID))
		s.emit(c.Request.Context(), user.ID, event.TypeUserRegistered, event.UserRegisteredData{
			Username: user.Username,
		})
		c.JSON(http.StatusCreated, authResponse(pair, user))
	}
}

// dummyPasswordHash は存在しないユーザーのログイン時に照合するハッシュ。
// 登録時と同じコストで1回だけ生成する。
var dummyPasswordHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("mealprep-unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("ダミーのパスワードハッシュを生成できません: %v", err))
	}
	return hash
})

// handleLogin はメールアドレスとパスワードで認証するハンドラを返す。
// ユーザーが存在しない場合、パスワードが一致しない場合、無効化されている場合は同じ401を返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		ctx := c.Request.Context()
		user, err := s.users.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
		if err != nil {
			if !errors.Is(err, ErrUserNotFound) {
				s.logger.Error("ユーザーの検索に失敗", zap.Error(err))
			}
			// 応答時間からメールアドレスの登録有無を推測されないよう、存在しない場合も照合する
			_ = s.comparePassword(dummyPasswordHash(), []byte(req.Password))
			s.rejectLogin(c, "unknown_user")
			return
		}
		if err := s.comparePassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			s.rejectLogin(c, "bad_password")
			return
		}
		if !user.IsActive {
			s.rejectLogin(c, "inactive")
			return
		}

		now := time.Now().UTC()
		if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
			// 最終ログイン日時の更新失敗ではログインを拒否しない
			s.logger.Warn("最終ログイン日時の更新に失敗", zap.String("user_id", user.ID), zap.Error(err))
		} else {
			user.LastLoginAt = &now
		}

		pair, err := s.tokens.IssuePair(user.ID, user.Username, user.Email, user.Role)
		if err != nil {
			s.logger.Error("トークンの発行に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの発行に失敗しました"})
			return
		}

		s.emit(ctx, user.ID, event.TypeUserLoggedIn, event.UserLoggedInData{ClientIP: c.ClientIP()})
		c.JSON(http.StatusOK, authResponse(pair, user))
	}
}

// handleRefresh はリフレッシュトークンから新しいトークンペアを発行するハンドラを返す。
// ロールなどのクレームは発行時点のユーザー情報から作り直す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RefreshRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.rejectLogin(c, "missing_refresh_token")
			return
		}

		claims, err := s.tokens.ValidateRefresh(req.RefreshToken)
		if err != nil {
			s.logger.Warn("リフレッシュトークンの検証に失敗", zap.Error(err))
			s.rejectLogin(c, "invalid_refresh_token")
			return
		}

		ctx := c.Request.Context()
		user, err := s.users.FindByID(ctx, claims.Subject)
		if err != nil || !user.IsActive {
			if err != nil && !errors.Is(err, ErrUserNotFound) {
				s.logger.Error("ユーザーの検索に失敗", zap.Error(err))
			}
			s.rejectLogin(c, "inactive")
			return
		}

		pair, err := s.tokens.IssuePair(user.ID, user.Username, user.Email, user.Role)
		if err != nil {
			s.logger.Error("トークンの発行に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの発行に失敗しました"})
			return
		}

		s.emit(ctx, user.ID, event.TypeTokenRefreshed, event.TokenRefreshedData{PreviousTokenID: claims.ID})
		c.JSON(http.StatusOK, authResponse(pair, nil))
	}
}

// rejectLogin は認証失敗を記録して401を返す。
func (s *Server) rejectLogin(c *gin.Context, reason string) {
	s.metrics.ObserveAuthFailure(reason)
	c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorizedBody)
}

// authResponse はトークンペアとユーザー情報からレスポンスを組み立てる。
func authResponse(pair *token.Pair, user *User) AuthResponse {
	resp := AuthResponse{
		Token:        pair.AccessToken,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		TokenType:    pair.TokenType,
	}
	if user != nil {
		resp.User = toSummary(user)
	}
	return resp
}
