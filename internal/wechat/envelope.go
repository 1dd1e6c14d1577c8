package wechat

import (
	"encoding/xml"
	"strconv"
	"time"
)

// Message types found in inbound envelopes. Only text is relayed.
const (
	MsgTypeText  = "text"
	MsgTypeEvent = "event"
)

// AckSuccess is the fixed acknowledgement body the platform accepts when no
// passive reply is returned (async-push mode).
const AckSuccess = "success"

// Envelope is the inbound XML message body posted to the callback URL.
type Envelope struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        int64    `xml:"MsgId"`
	Event        string   `xml:"Event"`
}

// ParseEnvelope decodes an inbound envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := xml.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// MsgIDString returns the platform message id as a string, or empty when the
// envelope carries none (event pushes have no MsgId).
func (e *Envelope) MsgIDString() string {
	if e.MsgID == 0 {
		return ""
	}
	return strconv.FormatInt(e.MsgID, 10)
}

// Time converts the platform epoch-seconds timestamp.
func (e *Envelope) Time() time.Time {
	return time.Unix(e.CreateTime, 0).UTC()
}

type cdata struct {
	Text string `xml:",cdata"`
}

// replyEnvelope is the passive text reply returned inline from the callback.
type replyEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

// RenderTextReply produces the passive reply XML for an inbound envelope,
// swapping sender and receiver as the platform requires.
func RenderTextReply(in *Envelope, content string, now time.Time) ([]byte, error) {
	r := replyEnvelope{
		ToUserName:   cdata{in.FromUserName},
		FromUserName: cdata{in.ToUserName},
		CreateTime:   now.Unix(),
		MsgType:      cdata{MsgTypeText},
		Content:      cdata{content},
	}
	return xml.Marshal(r)
}
