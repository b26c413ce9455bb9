package session

type negotiationPhase int

const (
	phaseIdle     negotiationPhase = iota // описаний еще не было
	phaseOffered                          // offer есть, answer ожидается
	phaseAnswered                         // обмен завершен
)

// offerAnswer учет текущего раунда offer/answer. Offer всегда предшествует answer.
type offerAnswer struct {
	hasOffer  bool
	hasAnswer bool
}

// record отмечает очередное описание: первое становится offer, второе answer
func (oa *offerAnswer) record() {
	if !oa.hasOffer {
		oa.hasOffer = true
		return
	}
	oa.hasAnswer = true
}

// markOffer отмечает offer (свой или чужой)
func (oa *offerAnswer) markOffer() {
	oa.hasOffer = true
}

// markAnswer отмечает answer. Answer без offer невозможен.
func (oa *offerAnswer) markAnswer() {
	oa.hasOffer = true
	oa.hasAnswer = true
}

func (oa offerAnswer) phase() negotiationPhase {
	switch {
	case oa.hasOffer && oa.hasAnswer:
		return phaseAnswered
	case oa.hasOffer:
		return phaseOffered
	}
	return phaseIdle
}
