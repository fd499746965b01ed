package delivery

import "testing"

func TestDefaultProvider(t *testing.T) {
	cases := map[Channel]string{
		ChannelSMS:   "MockSMSProvider",
		ChannelMMS:   "MockMMSProvider",
		ChannelEmail: "MockEmailProvider",
	}
	for channel, expected := range cases {
		if got := DefaultProvider(channel); got != expected {
			t.Fatalf("DefaultProvider(%s)=%s, expected %s", channel, got, expected)
		}
	}
}

func TestChannelValid(t *testing.T) {
	for _, channel := range []Channel{ChannelSMS, ChannelMMS, ChannelEmail} {
		if !channel.Valid() {
			t.Fatalf("%s should be valid", channel)
		}
	}
	for _, channel := range []Channel{"", "fax", "push"} {
		if channel.Valid() {
			t.Fatalf("%s should be invalid", channel)
		}
	}
}
