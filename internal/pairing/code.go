package pairing

import (
	"crypto/rand"
)

// CodeLength 配对码长度
const CodeLength = 4

// Alphabet 配对码字符表
// 排除容易混淆的字符（0/O、1/I/L），运营人员手工输入时不易出错
const Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Generate 生成一个新的配对码候选
// 每个字符独立均匀地从 Alphabet 中抽取；无副作用，碰撞后可重复调用
func Generate() string {
	buf := make([]byte, CodeLength)
	code := make([]byte, CodeLength)

	for i := 0; i < CodeLength; {
		if _, err := rand.Read(buf[i : i+1]); err != nil {
			// crypto/rand 在所有受支持平台上不会失败
			panic(err)
		}
		// 拒绝采样，保证均匀分布
		max := byte(256 - 256%len(Alphabet))
		if buf[i] >= max {
			continue
		}
		code[i] = Alphabet[int(buf[i])%len(Alphabet)]
		i++
	}

	return string(code)
}
