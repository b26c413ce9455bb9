// Package media описывает контракт согласования медиа (offer/answer),
// которым пользуется сигнальный уровень, и реализацию на SDP.
//
// Сигнальный уровень не работает с RTP напрямую: он запрашивает локальное
// описание, применяет удаленное и управляет состоянием треков
// (mute/hold) через Negotiator. Все завершения асинхронны.
package media
