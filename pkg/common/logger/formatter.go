package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// GovTalkFormatter keeps full GovTalk XML off the main stream. Entries tagged with
// FieldGiftAidMessage are written with a one-line summary instead of their body; the
// archive hook still sees the original message because hooks fire before formatting.
type GovTalkFormatter struct {
	Inner logrus.Formatter
}

func (f *GovTalkFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	direction, ok := entry.Data[FieldGiftAidMessage]
	if !ok {
		return f.Inner.Format(entry)
	}

	summary := *entry
	summary.Message = fmt.Sprintf("govtalk logged a %v for transaction ID %v", direction, entry.Data[FieldTransactionID])
	return f.Inner.Format(&summary)
}
