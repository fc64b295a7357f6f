package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCDNVideoURLs(t *testing.T) {
	html := `<html>
	<script>var a = "https:\/\/video-lax3-1.xx.fbcdn.net\/v\/t42.1790-2\/clip.mp4?efg=abc";</script>
	<video src="https://video.xx.fbcdn.net/hd/other.mp4?oh=123"></video>
	<div data-x="https://scontent-lax3-1.cdninstagram.com/v/reel.mp4?ccb=1"></div>
	<script>dup = "https://video.xx.fbcdn.net/hd/other.mp4?oh=123";</script>
	</html>`

	urls := ExtractCDNVideoURLs(html)
	assert.Equal(t, []string{
		"https://video-lax3-1.xx.fbcdn.net/v/t42.1790-2/clip.mp4?efg=abc",
		"https://video.xx.fbcdn.net/hd/other.mp4?oh=123",
		"https://scontent-lax3-1.cdninstagram.com/v/reel.mp4?ccb=1",
	}, urls)
}

func TestExtractCDNVideoURLsSrcAttribute(t *testing.T) {
	html := `<video src='https://cdn.fbcdn.net/v/embedded.mp4?x=1'></video>`
	urls := ExtractCDNVideoURLs(html)
	assert.Equal(t, []string{"https://cdn.fbcdn.net/v/embedded.mp4?x=1"}, urls)
}

func TestExtractCDNVideoURLsEmpty(t *testing.T) {
	assert.Empty(t, ExtractCDNVideoURLs(`<html><p>no media</p></html>`))
}

func TestRewriteHighQuality(t *testing.T) {
	in := "https://scontent-lax3-1.xx.fbcdn.net/v/t39/th.jpg?stp=dst-jpg_s64x64&_nc_oh=xyz"
	want := "https://scontent-lax3-1.xx.fbcdn.net/v/t39/th.jpg?_nc_cat=111&ccb=1-7&_nc_sid=890911&_nc_ohc=original&_nc_oc=original&_nc_zt=1"
	assert.Equal(t, want, RewriteHighQuality(in))

	// URLs without a sizing transform pass through untouched.
	plain := "https://scontent-lax3-1.xx.fbcdn.net/v/t39/th.jpg?oh=1"
	assert.Equal(t, plain, RewriteHighQuality(plain))
	other := "https://video.xx.fbcdn.net/clip.mp4?stp=x"
	assert.Equal(t, other, RewriteHighQuality(other))
}

func TestIsLoginWall(t *testing.T) {
	assert.True(t, isLoginWall("https://business.facebook.com/login/?next=preview"))
	assert.True(t, isLoginWall("https://www.facebook.com/login.php?next=x"))
	assert.False(t, isLoginWall("https://business.facebook.com/ads/preview?id=1"))
	assert.False(t, isLoginWall(""))
}
