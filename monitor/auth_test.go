package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
)

func TestUser(t *testing.T) {
	Convey("Setting and verifying a password works with hashes", t, func() {
		user := new(User)
		So(user.SetPassword([]byte("hello123")), ShouldBeNil)
		So(user.Password, ShouldStartWith, "$")

		So(user.VerifyPassword([]byte("hello123")), ShouldBeNil)
		So(user.VerifyPassword([]byte("hello12")), ShouldNotBeNil)
	})

	Convey("Invalid hash returns the bcrypt error", t, func() {
		user := &User{Password: "I DON'T WORK"}
		So(user.VerifyPassword([]byte("hello123")).Error(), ShouldContainSubstring, "hashedSecret too short")
	})
}

func TestAuth(t *testing.T) {
	m := createTestMonitor(t)
	auth := m.EnableAuth([]byte("test secret"), "robocan-test")

	user := &User{Email: "login@test.case"}
	if err := user.SetPassword([]byte("testing123")); err != nil {
		t.Fatal(err)
	}
	if err := m.Store().SaveUser(user); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	login := func(email, password string) (int, string) {
		body, _ := json.Marshal(loginPayload{Email: email, Password: password})
		resp, err := http.Post(srv.URL+"/api/login", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		defer resp.Body.Close()
		var tok tokenResponse
		json.NewDecoder(resp.Body).Decode(&tok)
		return resp.StatusCode, tok.Token
	}

	get := func(path, token string) int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	Convey("Valid credentials return a token that opens the API", t, func() {
		code, token := login("login@test.case", "testing123")
		So(code, ShouldEqual, http.StatusOK)
		So(token, ShouldNotBeEmpty)

		So(get("/api/catalog", token), ShouldEqual, http.StatusOK)
		So(get("/api/refresh_token", token), ShouldEqual, http.StatusOK)

		Convey("and the websocket accepts it in the query string", func() {
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/frames?jwt=" + token
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			So(err, ShouldBeNil)
			conn.Close()
		})
	})

	Convey("Invalid credentials return errors", t, func() {
		code, _ := login("login-no@test.case", "testing123")
		So(code, ShouldEqual, http.StatusNotFound)

		code, _ = login("login@test.case", "testing12")
		So(code, ShouldEqual, http.StatusForbidden)

		code, _ = login("", "testing123")
		So(code, ShouldEqual, http.StatusBadRequest)
	})

	Convey("Requests without a good token are refused", t, func() {
		So(get("/api/frames", ""), ShouldEqual, http.StatusUnauthorized)
		So(get("/api/frames", "not-a-token"), ShouldEqual, http.StatusUnauthorized)

		other := &Auth{Secret: []byte("other secret"), Lifespan: time.Hour, now: time.Now}
		forged, err := other.newToken("login@test.case")
		So(err, ShouldBeNil)
		So(get("/api/frames", forged), ShouldEqual, http.StatusUnauthorized)

		_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/frames", nil)
		So(err, ShouldNotBeNil)
	})

	Convey("A cookie token does not open the websocket for another site", t, func() {
		_, token := login("login@test.case", "testing123")
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/frames"
		cookie := (&http.Cookie{Name: "jwt", Value: token}).String()

		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{
			"Origin": {"https://evil.example"},
			"Cookie": {cookie},
		})
		So(err, ShouldNotBeNil)
		So(resp.StatusCode, ShouldEqual, http.StatusForbidden)

		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{
			"Origin": {srv.URL},
			"Cookie": {cookie},
		})
		So(err, ShouldBeNil)
		conn.Close()
	})

	Convey("Tokens expire after their lifespan", t, func() {
		_, token := login("login@test.case", "testing123")
		now := time.Now()
		auth.now = func() time.Time { return now.Add(DefaultTokenLifespan + time.Minute) }
		defer func() { auth.now = time.Now }()

		So(get("/api/catalog", token), ShouldEqual, http.StatusUnauthorized)
	})
}
