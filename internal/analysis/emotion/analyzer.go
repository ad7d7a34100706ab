package emotion

import (
	"strings"
)

// Label 是回复的情绪标签。
type Label string

const (
	Neutral  Label = "neutral"
	Happy    Label = "happy"
	Sad      Label = "sad"
	Angry    Label = "angry"
	Excited  Label = "excited"
	Tender   Label = "tender"
	Comfort  Label = "comfort"
	Magnetic Label = "magnetic"
)

// Labels lists every label in a fixed order.
var Labels = []Label{Neutral, Happy, Sad, Angry, Excited, Tender, Comfort, Magnetic}

// Parse 将任意大小写的字符串映射为标签。
func Parse(raw string) (Label, bool) {
	normalized := Label(strings.ToLower(strings.TrimSpace(raw)))
	for _, l := range Labels {
		if l == normalized {
			return l, true
		}
	}
	return "", false
}

// Decision 是情绪识别结果。Intensity 取值 1~5。
type Decision struct {
	Emotion   Label
	Intensity float32
	Score     int
}

const (
	keywordWeight = 3
	minIntensity  = 1
	maxIntensity  = 5
)

var keywordBuckets = map[Label][]string{
	Happy: {
		"开心", "高兴", "快乐", "太好了", "太棒了", "哈哈", "喜欢", "满意", "好耶",
		"glad", "great", "awesome", "thanks", "thank you", "love", "nice", "lol", "yay",
	},
	Sad: {
		"难过", "伤心", "失落", "沮丧", "哭", "痛苦", "孤单", "失望", "心碎", "委屈",
		"sad", "unhappy", "cry", "depressed", "upset", "hurt", "lonely", "miss",
	},
	Angry: {
		"生气", "愤怒", "火大", "气死", "烦死", "受够了", "抓狂",
		"angry", "furious", "mad", "annoyed", "hate", "ridiculous",
	},
	Excited: {
		"期待", "激动", "惊喜", "哇塞", "热血", "给力", "燃",
		"excited", "can't wait", "wow", "amazing", "unbelievable", "finally",
	},
	Tender: {
		"温柔", "轻轻", "慢慢", "柔和", "平静", "放松", "温暖",
		"gentle", "soft", "calm", "quiet", "warm", "cozy",
	},
	Comfort: {
		"别担心", "没事", "我懂", "陪着", "抱抱", "不要怕", "安心", "放心", "慢慢来",
		"don't worry", "i'm here", "it's okay", "you're not alone", "take it easy", "breathe",
	},
	Magnetic: {
		"认真", "重要", "必须", "务必", "关键", "记住",
		"important", "must", "critical", "serious", "focus", "remember",
	},
}

// userToReply maps a detected user mood to the mood a reply should carry.
var userToReply = map[Label]Label{
	Sad:     Comfort,
	Angry:   Magnetic,
	Excited: Excited,
	Happy:   Happy,
	Tender:  Tender,
	Comfort: Tender,
}

// Analyze 根据用户消息与助手回复推断回复情绪。
// 回复本身没有明显情绪时，由用户情绪映射得到。
func Analyze(userMessage, reply string) Decision {
	best := score(reply)
	if best.Score == 0 {
		if user := score(userMessage); user.Score > 0 {
			best = Decision{Emotion: userToReply[user.Emotion], Score: user.Score}
			if best.Emotion == "" {
				best.Emotion = user.Emotion
			}
		}
	}
	if best.Score == 0 {
		return Decision{Emotion: Neutral, Intensity: 3}
	}
	best.Intensity = intensity(best.Emotion, best.Score)
	return best
}

func intensity(label Label, score int) float32 {
	v := 2 + float32(score)/4
	switch label {
	case Excited:
		v++
	case Magnetic:
		v = min(v, 4)
	case Comfort, Tender:
		v = min(v, 3.5)
	}
	return Clamp(v)
}

// Clamp bounds an intensity to [1, 5].
func Clamp(v float32) float32 {
	return max(minIntensity, min(maxIntensity, v))
}

func score(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{Emotion: Neutral}
	}

	scores := make(map[Label]int, len(keywordBuckets))
	for label, words := range keywordBuckets {
		for _, w := range words {
			if strings.Contains(normalized, w) {
				scores[label] += keywordWeight
			}
		}
	}

	if bangs := strings.Count(text, "!") + strings.Count(text, "！"); bangs > 0 {
		scores[Excited] += bangs * 3
		if bangs == 1 {
			scores[Happy] += 2
		}
	}

	best := Decision{Emotion: Neutral}
	// Labels fixes iteration order so ties resolve the same way every run.
	for _, l := range Labels {
		if scores[l] > best.Score {
			best = Decision{Emotion: l, Score: scores[l]}
		}
	}
	return best
}
