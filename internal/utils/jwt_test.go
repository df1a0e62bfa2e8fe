package utils

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// JWTTestSuite JWT工具测试套件
type JWTTestSuite struct {
	suite.Suite
	manager *JWTManager
}

func (suite *JWTTestSuite) SetupTest() {
	suite.manager = NewJWTManager("test-secret-key", 1*time.Hour)
}

// 测试创建JWT管理器
func (suite *JWTTestSuite) TestNewJWTManager() {
	manager := NewJWTManager("secret", 12*time.Hour)
	suite.NotNil(manager)
	suite.Equal(12*time.Hour, manager.TokenExpiry())
}

// 测试生成令牌
func (suite *JWTTestSuite) TestGenerateToken() {
	token, expiresAt, err := suite.manager.GenerateToken("operator", "operator", "session-123")
	suite.NoError(err)
	suite.NotEmpty(token)
	suite.True(expiresAt.After(time.Now()))
}

// 测试验证令牌
func (suite *JWTTestSuite) TestValidateToken() {
	token, _, _ := suite.manager.GenerateToken("operator", "operator", "session-789")

	claims, err := suite.manager.ValidateToken(token)
	suite.NoError(err)
	suite.NotNil(claims)
	suite.Equal("operator", claims.Username)
	suite.Equal("operator", claims.Role)
	suite.Equal("session-789", claims.SessionID)
	suite.Equal("paper-vendo", claims.Issuer)
}

// 测试验证无效令牌
func (suite *JWTTestSuite) TestValidateInvalidToken() {
	// 无效格式的令牌
	claims, err := suite.manager.ValidateToken("invalid.token.format")
	suite.ErrorIs(err, ErrInvalidToken)
	suite.Nil(claims)

	// 错误的签名
	wrongManager := NewJWTManager("wrong-secret", 1*time.Hour)
	token, _, _ := wrongManager.GenerateToken("operator", "operator", "session")
	claims, err = suite.manager.ValidateToken(token)
	suite.ErrorIs(err, ErrInvalidToken)
	suite.Nil(claims)
}

// 测试过期令牌
func (suite *JWTTestSuite) TestExpiredToken() {
	expiredManager := NewJWTManager("test-secret-key", -1*time.Hour)
	token, _, _ := expiredManager.GenerateToken("operator", "operator", "session")

	claims, err := suite.manager.ValidateToken(token)
	suite.ErrorIs(err, ErrExpiredToken)
	suite.Nil(claims)
}

// 测试令牌的标准声明
func (suite *JWTTestSuite) TestStandardClaims() {
	token, _, _ := suite.manager.GenerateToken("operator", "operator", "session")
	claims, err := suite.manager.ValidateToken(token)
	suite.NoError(err)

	suite.NotNil(claims.IssuedAt)
	suite.NotNil(claims.ExpiresAt)
	suite.Greater(claims.ExpiresAt.Unix(), claims.IssuedAt.Unix())
	suite.Equal("operator", claims.Subject)
}

// 测试并发生成令牌
func (suite *JWTTestSuite) TestConcurrentTokenGeneration() {
	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(id int) {
			sessionID := fmt.Sprintf("session-%d", id)
			token, _, err := suite.manager.GenerateToken("operator", "operator", sessionID)
			suite.NoError(err)
			suite.NotEmpty(token)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestJWTSuite(t *testing.T) {
	suite.Run(t, new(JWTTestSuite))
}
