package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Field names carried by GovTalk request/response log entries.
const (
	FieldGiftAidMessage = "gift_aid_message"
	FieldTransactionID  = "transaction_id"
)

// Values of FieldGiftAidMessage.
const (
	GiftAidRequest      = "request"
	GiftAidResponse     = "response"
	GiftAidPollRequest  = "poll_request"
	GiftAidPollResponse = "poll_response"
)

var Log = logrus.New()

func Init(level string) {
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&GovTalkFormatter{
		Inner: &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		},
	})

	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

// Component returns an entry tagged with the emitting component.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}
