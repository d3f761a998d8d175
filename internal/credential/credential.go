package credential

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Health 表示凭证的生命周期状态。
type Health string

const (
	// HealthAvailable 表示凭证可以被选中。
	HealthAvailable Health = "available"
	// HealthCoolingDown 表示凭证因临时错误暂时停用，到期后自动恢复。
	HealthCoolingDown Health = "cooling_down"
	// HealthPermanentlyDisabled 表示凭证已被永久禁用，不再参与选择。
	HealthPermanentlyDisabled Health = "permanently_disabled"
)

// Credential 描述一条大模型提供商凭证及其健康状态。
type Credential struct {
	Provider          string `json:"provider" yaml:"provider"`
	Secret            string `json:"secret" yaml:"secret"`
	ModelHint         string `json:"model_hint,omitempty" yaml:"model_hint"`
	Health            Health `json:"health" yaml:"-"`
	CoolDownUntil     int64  `json:"cool_down_until,omitempty" yaml:"-"`
	ConsecutiveErrors int    `json:"consecutive_errors" yaml:"-"`
	LastUsedAt        int64  `json:"last_used_at,omitempty" yaml:"-"`
}

// Usable 判断凭证在给定时刻是否可被选中。冷却到期视为可用。
func (c *Credential) Usable(now time.Time) bool {
	switch c.Health {
	case HealthPermanentlyDisabled:
		return false
	case HealthCoolingDown:
		return c.CoolDownUntil <= now.Unix()
	default:
		return true
	}
}

// Outcome 是一次模型调用结果的分类。
type Outcome int

const (
	// OutcomeSuccess 表示调用成功。
	OutcomeSuccess Outcome = iota
	// OutcomePermanent 表示凭证已失效，不得再使用。
	OutcomePermanent
	// OutcomeTemporary 表示限流或服务端错误，稍后可重试。
	OutcomeTemporary
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanent:
		return "permanent"
	case OutcomeTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Classify 将原始的提供商错误（状态码 + 响应体）映射为结果分类。
// 授权失败与明确的"密钥无效"文案判定为永久错误；限流与服务端错误
// 判定为临时错误；无法识别的情况一律按临时处理，避免误伤凭证。
func Classify(statusCode int, body string) Outcome {
	if statusCode == 401 || statusCode == 403 {
		return OutcomePermanent
	}
	if statusCode == 429 || statusCode >= 500 {
		return OutcomeTemporary
	}
	if strings.Contains(body, "invalid_api_key") || strings.Contains(body, "Incorrect API key") {
		return OutcomePermanent
	}
	return OutcomeTemporary
}

const (
	backoffBase = 5 * time.Second
	backoffCap  = 5 * time.Minute
)

// backoff 根据连续错误次数计算冷却时长，指数增长并封顶。
func backoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return backoffBase
	}
	d := backoffBase
	for i := 1; i < consecutiveErrors; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// SeedFile 对应 configs/credentials.yaml 的结构。
type SeedFile struct {
	Credentials []Credential `yaml:"credentials"`
}

// LoadSeedFile 解析 YAML 凭证清单，新凭证一律以可用状态进入池中。
func LoadSeedFile(path string) ([]Credential, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取凭证清单失败: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return nil, fmt.Errorf("解析凭证清单失败: %w", err)
	}
	creds := make([]Credential, 0, len(seed.Credentials))
	for _, c := range seed.Credentials {
		if strings.TrimSpace(c.Provider) == "" || strings.TrimSpace(c.Secret) == "" {
			continue
		}
		c.Health = HealthAvailable
		c.ConsecutiveErrors = 0
		creds = append(creds, c)
	}
	return creds, nil
}
