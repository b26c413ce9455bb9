package media

// Hint ограничения на создаваемое локальное описание
type Hint struct {
	Audio bool
	Video bool
}

// DefaultHint только аудио
func DefaultHint() Hint {
	return Hint{Audio: true}
}

// Tracks набор треков, затронутых операцией
type Tracks struct {
	Audio bool
	Video bool
}

// Any есть ли хотя бы один трек
func (t Tracks) Any() bool {
	return t.Audio || t.Video
}

// Negotiator согласование медиа для одной сессии.
// Колбэки done могут вызываться синхронно или из другой горутины,
// вызывающая сторона сама возвращает их в свой цикл событий.
type Negotiator interface {
	// LocalDescription создает offer или answer в зависимости от состояния
	LocalDescription(hint Hint, done func(body []byte, err error))
	// ApplyRemoteDescription применяет offer или answer удаленной стороны
	ApplyRemoteDescription(body []byte, done func(err error))

	// Mute возвращает треки, которые действительно были выключены
	Mute(t Tracks) Tracks
	// Unmute возвращает треки, которые были включены. При локальном
	// удержании треки остаются без звука до снятия удержания.
	Unmute(t Tracks, localHold bool) Tracks
	Hold()
	Unhold()

	IsReady() bool
	HasLocalMedia() bool
	StopLocalMedia()
	Close()
}

// Factory создает Negotiator для новой сессии или раннего диалога
type Factory func() Negotiator
