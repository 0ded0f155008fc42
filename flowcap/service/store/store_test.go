package store

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/flowcap/flowcap/service/codec"
)

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)

func openTestDir(t *testing.T) *FlowDir {
	t.Helper()

	d, err := Open(filepath.Join(t.TempDir(), "flows"))
	require.NoError(t, err)
	d.now = func() time.Time { return testTime }
	return d
}

func requestRecord(method, url, path, id string) codec.Value {
	var req []codec.Member
	if method != "" {
		req = append(req, codec.Field("method", codec.String(method)))
	}
	if url != "" {
		req = append(req, codec.Field("url", codec.String(url)))
	}
	if path != "" {
		req = append(req, codec.Field("path", codec.String(path)))
	}
	members := []codec.Member{codec.Field("request", codec.Object(req...))}
	if id != "" {
		members = append(members, codec.Field("id", codec.String(id)))
	}
	return codec.Object(members...)
}

func TestName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rec  codec.Value
		want string
	}{
		{
			name: "url_with_id",
			rec:  requestRecord("get", "http://example.com/a/b", "", "abcdef1234"),
			want: "2024-01-01_00-00-00_GET_example.com-a-b_abcdef12.json",
		},
		{
			name: "path_only",
			rec:  requestRecord("POST", "", "/foo/bar/", ""),
			want: "2024-01-01_00-00-00_POST_foo-bar_.json",
		},
		{
			name: "url_preferred_over_path",
			rec:  requestRecord("GET", "https://api.test/v1", "/ignored", "x"),
			want: "2024-01-01_00-00-00_GET_api.test-v1_x.json",
		},
		{
			name: "port_in_host",
			rec:  requestRecord("PUT", "http://localhost:8080/api/items", "", ""),
			want: "2024-01-01_00-00-00_PUT_localhost_8080-api-items_.json",
		},
		{
			name: "missing_everything",
			rec:  codec.Object(),
			want: "2024-01-01_00-00-00_UNKNOWN_unknown_.json",
		},
		{
			name: "empty_url_falls_back_to_path",
			rec:  requestRecord("GET", "", "/status", ""),
			want: "2024-01-01_00-00-00_GET_status_.json",
		},
		{
			name: "root_path",
			rec:  requestRecord("GET", "", "/", ""),
			want: "2024-01-01_00-00-00_GET_unknown_.json",
		},
		{
			name: "query_dropped_and_symbols_stripped",
			rec:  requestRecord("GET", "http://example.com/search%20x/?q=1", "", ""),
			want: "2024-01-01_00-00-00_GET_example.com-searchx_.json",
		},
		{
			name: "method_cannot_inject_separator",
			rec:  requestRecord("../get", "", "/a", ""),
			want: "2024-01-01_00-00-00_GET_a_.json",
		},
		{
			name: "id_sanitized",
			rec:  requestRecord("GET", "", "/a", "../../etc"),
			want: "2024-01-01_00-00-00_GET_a_etc.json",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Name(tc.rec, testTime))
		})
	}

	t.Run("target_truncated", func(t *testing.T) {
		name := Name(requestRecord("GET", "", "/"+strings.Repeat("a", 80), ""), testTime)
		assert.Equal(t, "2024-01-01_00-00-00_GET_"+strings.Repeat("a", 50)+"_.json", name)
	})

	t.Run("sorts_chronologically", func(t *testing.T) {
		rec := requestRecord("GET", "", "/a", "")
		earlier := Name(rec, testTime)
		later := Name(rec, testTime.Add(time.Second))
		assert.Less(t, earlier, later)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates_directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "flows")
		d, err := Open(dir)
		require.NoError(t, err)
		assert.DirExists(t, dir)
		assert.Equal(t, dir, d.Dir())

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries) // writability check file removed
	})

	t.Run("empty_dir_rejected", func(t *testing.T) {
		_, err := Open("")
		assert.Error(t, err)
	})

	t.Run("file_in_the_way", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flows")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

		_, err := Open(path)
		assert.Error(t, err)
	})
}

func TestFlowDirPut(t *testing.T) {
	t.Parallel()

	t.Run("scenario_example", func(t *testing.T) {
		d := openTestDir(t)

		name, err := d.Put(requestRecord("get", "http://example.com/a/b", "", "abcdef1234"))
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01_00-00-00_GET_example.com-a-b_abcdef12.json", name)

		data, err := os.ReadFile(filepath.Join(d.Dir(), name))
		require.NoError(t, err)
		assert.Contains(t, string(data), "\n  \"request\": {")
		assert.JSONEq(t,
			`{"request":{"method":"GET","url":"http://example.com/a/b"},"id":"abcdef1234"}`,
			string(data))
	})

	t.Run("head_method_kept", func(t *testing.T) {
		d := openTestDir(t)

		name, err := d.Put(requestRecord("HEAD", "http://example.com/x", "", "abcdef1234"))
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01_00-00-00_HEAD_example.com-x_abcdef12.json", name)

		rec, err := d.Read(name)
		require.NoError(t, err)
		assert.Equal(t, "HEAD", rec.PathString("request", "method"))
	})

	t.Run("decodes_base64_leaves", func(t *testing.T) {
		d := openTestDir(t)
		body := base64.StdEncoding.EncodeToString([]byte(`{"user":"alice"}`))
		bin := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x01})

		rec := codec.Object(
			codec.Field("request", codec.Object(
				codec.Field("method", codec.String("POST")),
				codec.Field("path", codec.String("/login")),
				codec.Field("content", codec.String(body)),
			)),
			codec.Field("response", codec.Object(
				codec.Field("content", codec.String(bin)),
			)),
		)
		name, err := d.Put(rec)
		require.NoError(t, err)

		got, err := d.Read(name)
		require.NoError(t, err)
		assert.Equal(t, `{"user":"alice"}`, got.PathString("request", "content"))
		assert.Equal(t, bin, got.PathString("response", "content"))
	})

	t.Run("collision_last_write_wins", func(t *testing.T) {
		d := openTestDir(t)

		first := requestRecord("GET", "", "/same", "id").Set("n", codec.Int(1))
		second := requestRecord("GET", "", "/same", "id").Set("n", codec.Int(2))

		name1, err := d.Put(first)
		require.NoError(t, err)
		name2, err := d.Put(second)
		require.NoError(t, err)
		assert.Equal(t, name1, name2)

		names, err := d.List()
		require.NoError(t, err)
		assert.Len(t, names, 1)

		got, err := d.Read(name2)
		require.NoError(t, err)
		n, ok := got.Get("n")
		require.True(t, ok)
		num, _ := n.NumberValue()
		assert.Equal(t, "2", num.String())
	})

	t.Run("write_failure", func(t *testing.T) {
		d := openTestDir(t)
		require.NoError(t, os.RemoveAll(d.Dir()))

		_, err := d.Put(requestRecord("GET", "", "/x", ""))
		require.Error(t, err)
		var writeErr *WriteError
		assert.ErrorAs(t, err, &writeErr)
	})

	t.Run("concurrent_distinct", func(t *testing.T) {
		d := openTestDir(t)

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := d.Put(requestRecord("GET", "", "/c", fmt.Sprintf("id%02d", i)))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 20, d.Count())
		entries, err := os.ReadDir(d.Dir())
		require.NoError(t, err)
		assert.Len(t, entries, 20) // no temp files left behind
	})
}

func TestFlowDirList(t *testing.T) {
	t.Parallel()

	d := openTestDir(t)
	for i, ts := range []time.Time{testTime, testTime.Add(2 * time.Second), testTime.Add(time.Second)} {
		d.now = func() time.Time { return ts }
		_, err := d.Put(requestRecord("GET", "", "/p", fmt.Sprintf("id%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(d.Dir(), "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(d.Dir(), ".flow-123.tmp"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(d.Dir(), "sub.json"), 0700))

	names, err := d.List()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2024-01-01_00-00-02_GET_p_id1.json",
		"2024-01-01_00-00-01_GET_p_id2.json",
		"2024-01-01_00-00-00_GET_p_id0.json",
	}, names)
	assert.Equal(t, 3, d.Count())
}

func TestFlowDirRead(t *testing.T) {
	t.Parallel()

	t.Run("not_found", func(t *testing.T) {
		d := openTestDir(t)

		_, err := d.Read("2024-01-01_00-00-00_GET_missing_.json")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid_names", func(t *testing.T) {
		d := openTestDir(t)
		for _, name := range []string{"", "..", "../secret.json", "sub/flow.json", `..\flow.json`, "/etc/passwd", "flow.txt", ".hidden.json", "a\x00.json"} {
			_, err := d.Read(name)
			assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
		}
	})

	t.Run("parse_error", func(t *testing.T) {
		d := openTestDir(t)
		require.NoError(t, os.WriteFile(filepath.Join(d.Dir(), "broken.json"), []byte("{not json"), 0600))

		_, err := d.Read("broken.json")
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "broken.json", parseErr.Name)
	})

	t.Run("symlink_outside_refused", func(t *testing.T) {
		d := openTestDir(t)
		outside := filepath.Join(t.TempDir(), "outside.json")
		require.NoError(t, os.WriteFile(outside, []byte(`{"secret":true}`), 0600))
		require.NoError(t, os.Symlink(outside, filepath.Join(d.Dir(), "link.json")))

		_, err := d.Read("link.json")
		assert.Error(t, err)
	})
}

func TestFlowDirClear(t *testing.T) {
	t.Parallel()

	t.Run("deletes_all", func(t *testing.T) {
		d := openTestDir(t)
		for i := range 3 {
			_, err := d.Put(requestRecord("GET", "", "/x", fmt.Sprintf("id%d", i)))
			require.NoError(t, err)
		}
		require.NoError(t, os.WriteFile(filepath.Join(d.Dir(), "keep.txt"), []byte("x"), 0600))

		deleted, err := d.Clear()
		require.NoError(t, err)
		assert.Equal(t, 3, deleted)

		names, err := d.List()
		require.NoError(t, err)
		assert.Empty(t, names)
		assert.FileExists(t, filepath.Join(d.Dir(), "keep.txt"))
	})

	t.Run("delete_failure_skipped", func(t *testing.T) {
		d := openTestDir(t)
		var failed string
		for i := range 3 {
			name, err := d.Put(requestRecord("GET", "", "/x", fmt.Sprintf("id%d", i)))
			require.NoError(t, err)
			if i == 1 {
				failed = name
			}
		}
		d.remove = func(root *os.Root, name string) error {
			if name == failed {
				return fs.ErrPermission
			}
			return root.Remove(name)
		}

		deleted, err := d.Clear()
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		names, err := d.List()
		require.NoError(t, err)
		assert.Equal(t, []string{failed}, names)
	})

	t.Run("empty_twice", func(t *testing.T) {
		d := openTestDir(t)

		deleted, err := d.Clear()
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)

		deleted, err = d.Clear()
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})
}
