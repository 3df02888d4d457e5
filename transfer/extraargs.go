package transfer

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ExtraArgs are request parameters passed through to the service calls.
// Keys are S3 API field names; user metadata is given as "x-amz-meta-<name>".
type ExtraArgs map[string]string

const metadataPrefix = "x-amz-meta-"

// AllowedUploadArgs lists the keys UploadFile accepts (besides metadata).
var AllowedUploadArgs = []string{
	"ACL",
	"CacheControl",
	"ContentDisposition",
	"ContentEncoding",
	"ContentLanguage",
	"ContentType",
	"Expires",
	"GrantFullControl",
	"GrantRead",
	"GrantReadACP",
	"GrantWriteACP",
	"RequestPayer",
	"StorageClass",
	"WebsiteRedirectLocation",
}

// AllowedDownloadArgs lists the keys DownloadFile accepts.
var AllowedDownloadArgs = []string{
	"VersionId",
	"RequestPayer",
}

// uploadArgs is the validated, typed form of the upload ExtraArgs.
type uploadArgs struct {
	acl                     types.ObjectCannedACL
	cacheControl            *string
	contentDisposition      *string
	contentEncoding         *string
	contentLanguage         *string
	contentType             *string
	expires                 *time.Time
	grantFullControl        *string
	grantRead               *string
	grantReadACP            *string
	grantWriteACP           *string
	requestPayer            types.RequestPayer
	storageClass            types.StorageClass
	websiteRedirectLocation *string
	metadata                map[string]string
}

func parseUploadArgs(args ExtraArgs) (uploadArgs, error) {
	var parsed uploadArgs

	for _, key := range sortedKeys(args) {
		value := args[key]

		if name, ok := strings.CutPrefix(strings.ToLower(key), metadataPrefix); ok {
			if name == "" {
				return uploadArgs{}, fmt.Errorf("%w: empty metadata name in %q", ErrInvalidExtraArg, key)
			}
			if parsed.metadata == nil {
				parsed.metadata = map[string]string{}
			}
			parsed.metadata[name] = value
			continue
		}

		switch key {
		case "ACL":
			parsed.acl = types.ObjectCannedACL(value)
		case "CacheControl":
			parsed.cacheControl = aws.String(value)
		case "ContentDisposition":
			parsed.contentDisposition = aws.String(value)
		case "ContentEncoding":
			parsed.contentEncoding = aws.String(value)
		case "ContentLanguage":
			parsed.contentLanguage = aws.String(value)
		case "ContentType":
			parsed.contentType = aws.String(value)
		case "Expires":
			t, err := parseExpires(value)
			if err != nil {
				return uploadArgs{}, fmt.Errorf("%w: Expires: %w", ErrInvalidExtraArg, err)
			}
			parsed.expires = &t
		case "GrantFullControl":
			parsed.grantFullControl = aws.String(value)
		case "GrantRead":
			parsed.grantRead = aws.String(value)
		case "GrantReadACP":
			parsed.grantReadACP = aws.String(value)
		case "GrantWriteACP":
			parsed.grantWriteACP = aws.String(value)
		case "RequestPayer":
			parsed.requestPayer = types.RequestPayer(value)
		case "StorageClass":
			parsed.storageClass = types.StorageClass(value)
		case "WebsiteRedirectLocation":
			parsed.websiteRedirectLocation = aws.String(value)
		default:
			return uploadArgs{}, fmt.Errorf("%w: %q, allowed: %s or %s<name>",
				ErrInvalidExtraArg, key, strings.Join(AllowedUploadArgs, ", "), metadataPrefix)
		}
	}

	return parsed, nil
}

// parseExpires accepts HTTP dates and RFC 3339 timestamps.
func parseExpires(value string) (time.Time, error) {
	if t, err := http.ParseTime(value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func (a uploadArgs) applyToPut(input *s3.PutObjectInput) {
	input.ACL = a.acl
	input.CacheControl = a.cacheControl
	input.ContentDisposition = a.contentDisposition
	input.ContentEncoding = a.contentEncoding
	input.ContentLanguage = a.contentLanguage
	input.ContentType = a.contentType
	input.Expires = a.expires
	input.GrantFullControl = a.grantFullControl
	input.GrantRead = a.grantRead
	input.GrantReadACP = a.grantReadACP
	input.GrantWriteACP = a.grantWriteACP
	input.RequestPayer = a.requestPayer
	input.StorageClass = a.storageClass
	input.WebsiteRedirectLocation = a.websiteRedirectLocation
	input.Metadata = a.metadata
}

func (a uploadArgs) applyToCreate(input *s3.CreateMultipartUploadInput) {
	input.ACL = a.acl
	input.CacheControl = a.cacheControl
	input.ContentDisposition = a.contentDisposition
	input.ContentEncoding = a.contentEncoding
	input.ContentLanguage = a.contentLanguage
	input.ContentType = a.contentType
	input.Expires = a.expires
	input.GrantFullControl = a.grantFullControl
	input.GrantRead = a.grantRead
	input.GrantReadACP = a.grantReadACP
	input.GrantWriteACP = a.grantWriteACP
	input.RequestPayer = a.requestPayer
	input.StorageClass = a.storageClass
	input.WebsiteRedirectLocation = a.websiteRedirectLocation
	input.Metadata = a.metadata
}

type downloadArgs struct {
	versionID    *string
	requestPayer types.RequestPayer
}

func parseDownloadArgs(args ExtraArgs) (downloadArgs, error) {
	var parsed downloadArgs

	for _, key := range sortedKeys(args) {
		switch key {
		case "VersionId":
			parsed.versionID = aws.String(args[key])
		case "RequestPayer":
			parsed.requestPayer = types.RequestPayer(args[key])
		default:
			return downloadArgs{}, fmt.Errorf("%w: %q, allowed: %s",
				ErrInvalidExtraArg, key, strings.Join(AllowedDownloadArgs, ", "))
		}
	}

	return parsed, nil
}

func sortedKeys(args ExtraArgs) []string {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
