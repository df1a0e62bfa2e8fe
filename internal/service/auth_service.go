package service

import (
	stderrors "errors"
	"time"

	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/logger"
	"github.com/wfunc/paper-vendo/internal/utils"
	"go.uber.org/zap"
)

// LoginResult 登录成功后的凭据
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
}

// AuthService 运维认证服务
// 整机只有一个运维账号，账号名和口令哈希都来自配置文件，不落数据库。
type AuthService struct {
	operator   config.OperatorConfig
	jwtManager *utils.JWTManager
	log        *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(sec *config.SecurityConfig) *AuthService {
	return &AuthService{
		operator:   sec.Operator,
		jwtManager: utils.NewJWTManager(sec.JWT.Secret, time.Duration(sec.JWT.ExpireHours)*time.Hour),
		log:        logger.GetModuleLogger("auth"),
	}
}

// Login 校验运维账号口令，签发访问令牌
func (s *AuthService) Login(username, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, errors.New(errors.ErrInvalidParam, "用户名和密码不能为空")
	}
	if s.operator.PasswordHash == "" {
		s.log.Warn("运维账号未配置口令哈希，登录被拒绝")
		return nil, errors.New(errors.ErrAuthentication, "运维账号未启用")
	}

	if username != s.operator.Username {
		s.log.Warn("登录失败：未知账号", zap.String("username", username))
		return nil, errors.New(errors.ErrAuthentication, "用户名或密码错误")
	}

	ok, err := utils.VerifyPassword(password, s.operator.PasswordHash)
	if err != nil {
		s.log.Error("口令哈希无法解析", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrAuthentication, "口令校验失败")
	}
	if !ok {
		s.log.Warn("登录失败：口令错误", zap.String("username", username))
		return nil, errors.New(errors.ErrAuthentication, "用户名或密码错误")
	}

	sessionID, err := utils.GenerateSessionID()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUnknown, "生成会话ID失败")
	}

	token, expiresAt, err := s.jwtManager.GenerateToken(username, "operator", sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUnknown, "签发令牌失败")
	}

	s.log.Info("运维账号登录成功", zap.String("username", username))
	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		Username:  username,
		Role:      "operator",
	}, nil
}

// ValidateToken 验证访问令牌
func (s *AuthService) ValidateToken(token string) (*utils.JWTClaims, error) {
	claims, err := s.jwtManager.ValidateToken(token)
	if err != nil {
		if stderrors.Is(err, utils.ErrExpiredToken) {
			return nil, errors.New(errors.ErrTokenExpired)
		}
		return nil, errors.New(errors.ErrTokenInvalid)
	}
	return claims, nil
}
