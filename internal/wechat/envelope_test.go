package wechat

import (
	"strings"
	"testing"
	"time"
)

const sampleTextXML = `<xml>
  <ToUserName><![CDATA[gh_123456]]></ToUserName>
  <FromUserName><![CDATA[openid-abc]]></FromUserName>
  <CreateTime>1719820800</CreateTime>
  <MsgType><![CDATA[text]]></MsgType>
  <Content><![CDATA[你好，在吗？]]></Content>
  <MsgId>23456789012345678</MsgId>
</xml>`

const sampleEventXML = `<xml>
  <ToUserName><![CDATA[gh_123456]]></ToUserName>
  <FromUserName><![CDATA[openid-abc]]></FromUserName>
  <CreateTime>1719820800</CreateTime>
  <MsgType><![CDATA[event]]></MsgType>
  <Event><![CDATA[subscribe]]></Event>
</xml>`

func TestParseEnvelope_Text(t *testing.T) {
	e, err := ParseEnvelope([]byte(sampleTextXML))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if e.MsgType != MsgTypeText || e.Content != "你好，在吗？" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.FromUserName != "openid-abc" || e.ToUserName != "gh_123456" {
		t.Fatalf("unexpected parties: %+v", e)
	}
	if e.MsgIDString() != "23456789012345678" {
		t.Fatalf("unexpected msg id: %q", e.MsgIDString())
	}
	if !e.Time().Equal(time.Unix(1719820800, 0).UTC()) {
		t.Fatalf("unexpected time: %v", e.Time())
	}
}

func TestParseEnvelope_EventHasNoMsgID(t *testing.T) {
	e, err := ParseEnvelope([]byte(sampleEventXML))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if e.MsgType != MsgTypeEvent || e.Event != "subscribe" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.MsgIDString() != "" {
		t.Fatalf("event push should have empty msg id, got %q", e.MsgIDString())
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	if _, err := ParseEnvelope([]byte("not xml at all <")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRenderTextReply_SwapsPartiesAndWrapsCDATA(t *testing.T) {
	in, err := ParseEnvelope([]byte(sampleTextXML))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}

	now := time.Unix(1719820900, 0)
	out, err := RenderTextReply(in, "你好！", now)
	if err != nil {
		t.Fatalf("RenderTextReply: %v", err)
	}
	s := string(out)

	for _, want := range []string{
		"<ToUserName><![CDATA[openid-abc]]></ToUserName>",
		"<FromUserName><![CDATA[gh_123456]]></FromUserName>",
		"<MsgType><![CDATA[text]]></MsgType>",
		"<Content><![CDATA[你好！]]></Content>",
		"<CreateTime>1719820900</CreateTime>",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("reply XML missing %q:\n%s", want, s)
		}
	}

	// The reply must itself parse back as an envelope.
	back, err := ParseEnvelope(out)
	if err != nil {
		t.Fatalf("reply does not round-trip: %v", err)
	}
	if back.Content != "你好！" {
		t.Fatalf("round-trip content: %q", back.Content)
	}
}
