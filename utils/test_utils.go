package utils

import (
	"math/rand"
	"time"
)

var (
	rnd    = rand.New(rand.NewSource(time.Now().Unix()))
	letter = make([]rune, 0, 62)
)

func init() {
	for i := uint8(0); i < 26; i++ {
		letter = append(letter, rune('a'+i))
	}
	for i := uint8(0); i < 26; i++ {
		letter = append(letter, rune('A'+i))
	}
	for i := uint8(0); i < 10; i++ {
		letter = append(letter, rune('0'+i))
	}
}

func RandString(maxLen int) string {
	return RandStringByLen(rnd.Int()%maxLen + 1)
}

func RandStringByLen(size int) string {
	r := make([]rune, 0, size)
	for i := 0; i < size; i++ {
		r = append(r, letter[rnd.Int()%len(letter)])
	}
	return string(r)
}
