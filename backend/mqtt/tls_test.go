// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNewTLSConfig(t *testing.T) {
	Convey("Given default TLS options", t, func(c C) {
		config, err := NewTLSConfig(TLSOptions{})
		Convey("Certificates should be verified", func() {
			So(err, ShouldBeNil)
			So(config.InsecureSkipVerify, ShouldBeFalse)
			So(config.RootCAs, ShouldBeNil)
		})
	})

	Convey("Given insecure TLS options", t, func(c C) {
		config, err := NewTLSConfig(TLSOptions{InsecureSkipVerify: true})
		Convey("Certificates should not be verified", func() {
			So(err, ShouldBeNil)
			So(config.InsecureSkipVerify, ShouldBeTrue)
		})
	})

	Convey("Given a root CA file that does not exist", t, func(c C) {
		_, err := NewTLSConfig(TLSOptions{RootCAFile: filepath.Join(t.TempDir(), "missing.pem")})
		Convey("There should be an error", func() {
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a root CA file without certificates", t, func(c C) {
		file := filepath.Join(t.TempDir(), "empty.pem")
		So(os.WriteFile(file, []byte("not a certificate"), 0644), ShouldBeNil)
		_, err := NewTLSConfig(TLSOptions{RootCAFile: file})
		Convey("There should be an error", func() {
			So(err, ShouldNotBeNil)
		})
	})
}
