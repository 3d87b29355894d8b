package outbox

import "regexp"

// Redaction tokens substituted for matched PII patterns.
const (
	tokenEmail      = "[REDACTED:EMAIL]"
	tokenSSN        = "[REDACTED:SSN]"
	tokenCreditCard = "[REDACTED:CC]"
	tokenPhone      = "[REDACTED:PHONE]"
)

// Redactor 将序列化事件文本中的 PII 模式替换为脱敏标记。
type Redactor struct {
	email      *regexp.Regexp
	ssn        *regexp.Regexp
	creditCard *regexp.Regexp
	phone      *regexp.Regexp
}

// NewRedactor 创建 PII 脱敏器
func NewRedactor() *Redactor {
	return &Redactor{
		email:      regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		ssn:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		creditCard: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
		phone:      regexp.MustCompile(`\b(?:\+?\d{1,2}[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	}
}

// Apply 按固定顺序应用所有脱敏规则。
// 信用卡在电话之前匹配，避免长数字串被电话规则截断。
func (r *Redactor) Apply(text string) string {
	text = r.email.ReplaceAllString(text, tokenEmail)
	text = r.ssn.ReplaceAllString(text, tokenSSN)
	text = r.creditCard.ReplaceAllString(text, tokenCreditCard)
	text = r.phone.ReplaceAllString(text, tokenPhone)
	return text
}
