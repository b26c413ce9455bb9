package session

import (
	"fmt"
)

// Status состояние жизненного цикла сессии
type Status int

const (
	StatusNull Status = iota
	StatusInviteSent
	Status1xxReceived
	StatusInviteReceived
	StatusWaitingForAnswer
	StatusAnswered
	StatusWaitingForPrack
	StatusWaitingForAck
	StatusCanceled
	StatusTerminated
	StatusAnsweredWaitingForPrack
	StatusEarlyMedia
	StatusConfirmed
)

var statusNames = [...]string{
	StatusNull:                    "NULL",
	StatusInviteSent:              "INVITE_SENT",
	Status1xxReceived:             "1XX_RECEIVED",
	StatusInviteReceived:          "INVITE_RECEIVED",
	StatusWaitingForAnswer:        "WAITING_FOR_ANSWER",
	StatusAnswered:                "ANSWERED",
	StatusWaitingForPrack:         "WAITING_FOR_PRACK",
	StatusWaitingForAck:           "WAITING_FOR_ACK",
	StatusCanceled:                "CANCELED",
	StatusTerminated:              "TERMINATED",
	StatusAnsweredWaitingForPrack: "ANSWERED_WAITING_FOR_PRACK",
	StatusEarlyMedia:              "EARLY_MEDIA",
	StatusConfirmed:               "CONFIRMED",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// transitions матрица допустимых переходов. Переход в то же состояние
// допустим всегда, из TERMINATED переходов нет.
var transitions = map[Status][]Status{
	StatusNull:                    {StatusInviteSent, StatusTerminated},
	StatusInviteSent:              {Status1xxReceived, StatusEarlyMedia, StatusConfirmed, StatusTerminated},
	Status1xxReceived:             {StatusEarlyMedia, StatusConfirmed, StatusCanceled, StatusTerminated},
	StatusInviteReceived:          {StatusWaitingForAnswer, StatusWaitingForPrack, StatusCanceled, StatusTerminated},
	StatusWaitingForAnswer:        {StatusAnswered, StatusWaitingForPrack, StatusCanceled, StatusTerminated},
	StatusAnswered:                {StatusWaitingForAck, StatusCanceled, StatusTerminated},
	StatusWaitingForPrack:         {StatusAnsweredWaitingForPrack, StatusEarlyMedia, StatusCanceled, StatusTerminated},
	StatusAnsweredWaitingForPrack: {StatusEarlyMedia, StatusCanceled, StatusTerminated},
	StatusEarlyMedia:              {StatusWaitingForAck, StatusConfirmed, StatusCanceled, StatusTerminated},
	StatusWaitingForAck:           {StatusConfirmed, StatusTerminated},
	StatusConfirmed:               {StatusWaitingForAck, StatusTerminated},
	StatusCanceled:                {StatusTerminated},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// pre-answer состояния UAS, в которых действуют CANCEL и reject
func (s Status) answering() bool {
	switch s {
	case StatusInviteReceived, StatusWaitingForAnswer, StatusWaitingForPrack,
		StatusAnsweredWaitingForPrack, StatusEarlyMedia, StatusAnswered:
		return true
	}
	return false
}

// established диалог подтвержден или ожидает ACK на 2xx
func (s Status) established() bool {
	return s == StatusConfirmed || s == StatusWaitingForAck
}
