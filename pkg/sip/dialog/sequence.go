package dialog

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// SequenceManager управляет CSeq номерами обмена.
//
// RFC 3261 Section 8.1.1.5:
//   - CSeq увеличивается для каждого нового запроса в рамках обмена
//   - номер никогда не уменьшается, даже после повторной отправки с авторизацией
type SequenceManager struct {
	mu    sync.Mutex
	local uint32
}

// NewSequenceManager создает новый менеджер CSeq с заданным начальным значением.
// Первый вызов NextLocalCSeq вернет initial+1.
func NewSequenceManager(initial uint32) *SequenceManager {
	return &SequenceManager{local: initial}
}

// NextLocalCSeq возвращает следующий локальный CSeq для нового запроса
func (sm *SequenceManager) NextLocalCSeq() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.local++
	return sm.local
}

// LocalCSeq возвращает текущий локальный CSeq без инкремента
func (sm *SequenceManager) LocalCSeq() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.local
}

// GenerateInitialCSeq генерирует случайный начальный CSeq (31 бит).
// Небольшое значение оставляет запас до переполнения на долгоживущей регистрации.
func GenerateInitialCSeq() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return binary.BigEndian.Uint32(b[:]) % 0x10000
}
