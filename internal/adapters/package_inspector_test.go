package adapters

import (
	"testing"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/types"
)

const dpkgInfoOutput = ` new Debian package, version 2.0.
 size 10276 bytes: control archive=612 bytes.
     412 bytes,    12 lines      control
 Package: fullstaq-ruby-3.3.0
 Version: 1-ubuntu-22.04
 Architecture: amd64
 Maintainer: Packaging <packaging@example.org>
 Installed-Size: 39000
 Section: default
 Priority: optional
 Description: Ruby 3.3.0
  Distribution: ubuntu-22.04
`

const rpmInfoOutput = `Name        : fullstaq-ruby-3.3.0
Version     : rev1
Release     : el9
Architecture: x86_64
Install Date: (not installed)
Group       : default
Size        : 39000000
License     : BSD
Signature   : (none)
Source RPM  : fullstaq-ruby-3.3.0-rev1-el9.src.rpm
Distribution: el-9
Summary     : Ruby 3.3.0
`

func TestParseDpkgInfo(t *testing.T) {
	got, err := parseDpkgInfo("/pkgs/ruby.deb", dpkgInfoOutput)
	require.NoError(t, err)

	want := types.PackageDescriptor{
		Path:          "/pkgs/ruby.deb",
		Format:        types.PackageFormatDeb,
		Distro:        "ubuntu-22.04",
		Arch:          "amd64",
		Name:          "fullstaq-ruby-3.3.0",
		Version:       "1-ubuntu-22.04",
		CanonicalName: "fullstaq-ruby-3.3.0_1-ubuntu-22.04_amd64",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected descriptor (-want +got):\n%s", diff)
	}
}

func TestParseDpkgInfoWithoutDistribution(t *testing.T) {
	output := " Package: fullstaq-ruby-common\n Version: 1.0-0\n Architecture: all\n"
	got, err := parseDpkgInfo("/pkgs/common.deb", output)
	require.NoError(t, err)
	assert.Empty(t, got.Distro)
	assert.Equal(t, "fullstaq-ruby-common_1.0-0_all", got.CanonicalName)
}

func TestParseDpkgInfoFailures(t *testing.T) {
	cases := []struct {
		name   string
		output string
	}{
		{name: "missing package", output: " Version: 1.0\n Architecture: amd64\n"},
		{name: "missing version", output: " Package: ruby\n Architecture: amd64\n"},
		{name: "missing architecture", output: " Package: ruby\n Version: 1.0\n"},
		{name: "invalid version", output: " Package: ruby\n Version: a:b:c\n Architecture: amd64\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseDpkgInfo("/pkgs/ruby.deb", tc.output)
			require.Error(t, err)
			assert.Equal(t, errbuilder.CodeInvalidArgument, errbuilder.CodeOf(err))
		})
	}
}

func TestParseRPMInfo(t *testing.T) {
	got, err := parseRPMInfo("/pkgs/ruby.rpm", rpmInfoOutput)
	require.NoError(t, err)

	want := types.PackageDescriptor{
		Path:          "/pkgs/ruby.rpm",
		Format:        types.PackageFormatRPM,
		Distro:        "el-9",
		Arch:          "x86_64",
		Name:          "fullstaq-ruby-3.3.0",
		Version:       "rev1-el9",
		CanonicalName: "fullstaq-ruby-3.3.0-rev1-el9.x86_64.rpm",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected descriptor (-want +got):\n%s", diff)
	}
}

func TestParseRPMInfoTreatsNoneAsMissingDistribution(t *testing.T) {
	output := "Name        : common\nVersion     : 1.0\nRelease     : 1\nArchitecture: noarch\nDistribution: (none)\n"
	got, err := parseRPMInfo("/pkgs/common.rpm", output)
	require.NoError(t, err)
	assert.Empty(t, got.Distro)
	assert.Equal(t, "common-1.0-1.noarch.rpm", got.CanonicalName)
}

func TestParseRPMInfoRequiresRelease(t *testing.T) {
	output := "Name        : common\nVersion     : 1.0\nArchitecture: noarch\n"
	_, err := parseRPMInfo("/pkgs/common.rpm", output)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package release")
}

func TestInspectorFor(t *testing.T) {
	deb, err := InspectorFor(types.PackageFormatDeb)
	require.NoError(t, err)
	assert.Equal(t, types.PackageFormatDeb, deb.Format())

	rpm, err := InspectorFor(types.PackageFormatRPM)
	require.NoError(t, err)
	assert.Equal(t, types.PackageFormatRPM, rpm.Format())

	_, err = InspectorFor("apk")
	require.Error(t, err)
}
