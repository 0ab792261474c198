package ota

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
)

const masterPath = "/firmware/master/latest.json"

func TestLatestUpToDate(t *testing.T) {
	for _, v := range []string{"1.1.9", "1.2.0", "1.10.0", "0.9"} {
		t.Run(v, func(t *testing.T) {
			c := qt.New(t)
			r := newRig(t)
			r.srv.files[masterPath] = []byte(`{"image_url": "http://images.example.com/fw/app.bin", "version": "` + v + `", "checksum": "cbf43926"}`)

			c.Assert(r.eng.SetupLatest(ImageMaster, "meta.example.com"), qt.IsNil)
			c.Check(r.eng.LatestActive(), qt.IsTrue)
			r.run(t)

			st := r.eng.Status()
			c.Check(st.LatestErr, qt.IsNil)
			c.Check(st.GoodLatest, qt.IsTrue)
			c.Check(st.UpToDate, qt.IsTrue)
			c.Check(st.Metadata.Version, qt.Equals, v)
			c.Check(r.srv.requests, qt.HasLen, 1)
			c.Check(r.visited(StateInit), qt.IsFalse)
			c.Check(r.eng.Active(), qt.IsFalse)
		})
	}
}

func TestLatestHandsOffNewerImage(t *testing.T) {
	c := qt.New(t)
	r := newRig(t)
	img := testImage(5000)
	r.srv.files[masterPath] = []byte(`{"version":"1.10.0","image_url":"http://images.example.com:8080/fw/app.bin?build=7","checksum":"00000000","notes":"x"}`)
	r.srv.files["/fw/app.bin?build=7"] = img

	c.Assert(r.eng.SetupLatest(ImageMaster, "meta.example.com:8081"), qt.IsNil)
	for r.eng.LatestActive() {
		r.eng.PumpLatest()
	}
	// The loader starts only once the discovery socket is closed.
	c.Check(r.srv.closes, qt.Equals, 1)
	c.Assert(r.eng.Active(), qt.IsTrue)
	st := r.eng.Status()
	c.Check(st.GoodLatest, qt.IsTrue)
	c.Check(st.UpToDate, qt.IsFalse)
	c.Check(st.Target, qt.Equals, Target{
		Site:      "images.example.com",
		URI:       "/fw/app.bin?build=7",
		Port:      8080,
		Slot:      lut.SlotOTA,
		LoadAfter: true,
		Checksum:  "00000000",
	})

	r.run(t)
	// The published checksum is wrong, so the image is never booted.
	st = r.eng.Status()
	c.Check(st.Err, qt.ErrorIs, ErrChecksum)
	c.Check(r.boot.reboots, qt.Equals, 0)
}

func TestLatestSlaveSkipsVersionCheck(t *testing.T) {
	c := qt.New(t)
	r := newRig(t)
	r.srv.files["/firmware/slave/latest.json"] = []byte(`{"image_url":"http://images.example.com/slave.bin","version":"0.0.1","checksum":"abcd0123"}`)

	c.Assert(r.eng.SetupLatest(ImageSlave, "meta.example.com"), qt.IsNil)
	for r.eng.LatestActive() {
		r.eng.PumpLatest()
	}
	c.Check(r.eng.Active(), qt.IsTrue)
	c.Check(r.eng.Status().Target.Slot, qt.Equals, lut.SlotApp1)
	c.Check(r.eng.Status().Target.LoadAfter, qt.IsFalse)
}

func TestLatestFailures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantErr error
	}{
		{"missing-url", `{"version":"9.0.0","checksum":"cbf43926"}`, 0, ErrMetadata},
		{"missing-checksum", `{"version":"9.0.0","image_url":"http://a/b"}`, 0, ErrMetadata},
		{"no-object", `not json`, 0, ErrMetadata},
		{"not-found", `{}`, 404, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			r := newRig(t)
			r.srv.files[masterPath] = []byte(tt.body)
			r.srv.status = tt.status

			c.Assert(r.eng.SetupLatest(ImageMaster, "meta.example.com"), qt.IsNil)
			r.run(t)

			st := r.eng.Status()
			c.Check(st.GoodLatest, qt.IsFalse)
			c.Check(st.LatestErr, qt.IsNotNil)
			if tt.wantErr != nil {
				c.Check(st.LatestErr, qt.ErrorIs, tt.wantErr)
			} else {
				var serr *StatusError
				c.Check(errors.As(st.LatestErr, &serr), qt.IsTrue)
			}
			c.Check(r.eng.Active(), qt.IsFalse)
			c.Check(r.srv.closes, qt.Equals, 1)
		})
	}
}

func TestLatestBadImageURL(t *testing.T) {
	c := qt.New(t)
	r := newRig(t)
	r.srv.files[masterPath] = []byte(`{"image_url":"https://images.example.com/a.bin","version":"9.0.0","checksum":"cbf43926"}`)

	c.Assert(r.eng.SetupLatest(ImageMaster, "meta.example.com"), qt.IsNil)
	r.run(t)
	st := r.eng.Status()
	c.Check(st.GoodLatest, qt.IsFalse)
	c.Check(st.LatestErr, qt.ErrorMatches, `.*unsupported scheme.*`)
	c.Check(r.eng.Active(), qt.IsFalse)
}

func TestLatestConnectExhausted(t *testing.T) {
	c := qt.New(t)
	r := newRig(t)
	r.srv.connectErr = errors.New("refused")

	c.Assert(r.eng.SetupLatest(ImageMaster, "meta.example.com"), qt.IsNil)
	r.run(t)
	st := r.eng.Status()
	c.Check(st.LatestErr, qt.ErrorIs, ErrConnect)
	c.Check(r.srv.closes, qt.Equals, 1)
}

func TestLatestExclusive(t *testing.T) {
	c := qt.New(t)
	r := newRig(t)
	r.srv.files[masterPath] = []byte(`{"image_url":"http://a/b","version":"1.0.0","checksum":"cbf43926"}`)

	c.Assert(r.eng.SetupLatest(ImageMaster, "meta.example.com"), qt.IsNil)
	c.Check(r.eng.SetupLatest(ImageSlave, "meta.example.com"), qt.Equals, ErrActive)
	c.Check(r.eng.Setup(app0Target()), qt.Equals, ErrActive)
	r.run(t)
	c.Check(r.eng.Status().UpToDate, qt.IsTrue)
}

func TestNewer(t *testing.T) {
	tests := []struct {
		found, running string
		want           bool
	}{
		{"1.3.0", "1.2.9", true},
		{"1.2.0", "1.2.0", false},
		{"1.1.9", "1.2.0", false},
		{"1.10.0", "1.9.0", false},
		{"1.2.0-rc1", "1.2.0", true},
		{"1.2.1", "1.2.0-rc1", true},
		{"build-20", "build-19", true},
		{"build-100", "build-99", false},
		{"v1.0.0", "9.9.9", true},
	}
	for _, tt := range tests {
		if got := Newer(tt.found, tt.running); got != tt.want {
			t.Errorf("Newer(%q, %q) = %v, want %v", tt.found, tt.running, got, tt.want)
		}
	}
}

func TestParseImageType(t *testing.T) {
	for i := ImageType(0); i < numImageTypes; i++ {
		got, err := ParseImageType(i.String())
		if err != nil || got != i {
			t.Errorf("ParseImageType(%q) = %v, %v", i.String(), got, err)
		}
	}
	if _, err := ParseImageType("bootloader"); err == nil {
		t.Error("ParseImageType(bootloader) succeeded")
	}
}
