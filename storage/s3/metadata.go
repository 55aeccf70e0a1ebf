package s3

import (
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/larrabee/ecssync/storage"
	"github.com/samber/lo"
)

func metadataFromHead(head *s3.HeadObjectOutput) *storage.ObjectMetadata {
	etag := storage.StrongEtag(head.ETag)
	md := &storage.ObjectMetadata{
		ContentType:        aws.StringValue(head.ContentType),
		ContentLength:      aws.Int64Value(head.ContentLength),
		ModificationTime:   aws.TimeValue(head.LastModified),
		HttpEtag:           etag,
		CacheControl:       aws.StringValue(head.CacheControl),
		ContentEncoding:    aws.StringValue(head.ContentEncoding),
		ContentDisposition: aws.StringValue(head.ContentDisposition),
		RetentionEndDate:   head.ObjectLockRetainUntilDate,
	}
	// ETag of a single part upload is the MD5 of the data
	if len(etag) == 32 && !strings.Contains(etag, "-") {
		md.Checksum = &storage.Checksum{Algorithm: "MD5", Value: etag}
	}
	if len(head.Metadata) > 0 {
		md.UserMetadata = make(map[string]string, len(head.Metadata))
		// the SDK canonicalizes header names
		for k, v := range head.Metadata {
			md.UserMetadata[strings.ToLower(k)] = aws.StringValue(v)
		}
	}
	return md
}

func userMetadata(md *storage.ObjectMetadata, skip bool) map[string]*string {
	if skip || len(md.UserMetadata) == 0 {
		return nil
	}
	return aws.StringMap(md.UserMetadata)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func applyPutMetadata(input *s3.PutObjectInput, md *storage.ObjectMetadata, skipUserMeta bool) {
	input.ContentType = optString(md.ContentType)
	input.CacheControl = optString(md.CacheControl)
	input.ContentEncoding = optString(md.ContentEncoding)
	input.ContentDisposition = optString(md.ContentDisposition)
	input.Metadata = userMetadata(md, skipUserMeta)
	if md.RetentionEndDate != nil {
		input.ObjectLockMode = aws.String(s3.ObjectLockModeGovernance)
		input.ObjectLockRetainUntilDate = md.RetentionEndDate
	}
}

func applyCopyMetadata(input *s3.CopyObjectInput, md *storage.ObjectMetadata, skipUserMeta bool) {
	input.ContentType = optString(md.ContentType)
	input.CacheControl = optString(md.CacheControl)
	input.ContentEncoding = optString(md.ContentEncoding)
	input.ContentDisposition = optString(md.ContentDisposition)
	input.Metadata = userMetadata(md, skipUserMeta)
}

func applyMultipartMetadata(input *s3.CreateMultipartUploadInput, md *storage.ObjectMetadata, skipUserMeta bool) {
	input.ContentType = optString(md.ContentType)
	input.CacheControl = optString(md.CacheControl)
	input.ContentEncoding = optString(md.ContentEncoding)
	input.ContentDisposition = optString(md.ContentDisposition)
	input.Metadata = userMetadata(md, skipUserMeta)
	if md.RetentionEndDate != nil {
		input.ObjectLockMode = aws.String(s3.ObjectLockModeGovernance)
		input.ObjectLockRetainUntilDate = md.RetentionEndDate
	}
}

// aclFromS3 maps canonical users and email grantees to user grants, group URIs to group grants.
func aclFromS3(owner *s3.Owner, grants []*s3.Grant) *storage.ObjectAcl {
	acl := &storage.ObjectAcl{}
	if owner != nil {
		acl.Owner = aws.StringValue(owner.ID)
	}
	for _, g := range grants {
		if g.Grantee == nil {
			continue
		}
		perm := aws.StringValue(g.Permission)
		switch aws.StringValue(g.Grantee.Type) {
		case s3.TypeCanonicalUser:
			acl.AddUserGrant(aws.StringValue(g.Grantee.ID), perm)
		case s3.TypeAmazonCustomerByEmail:
			acl.AddUserGrant(aws.StringValue(g.Grantee.EmailAddress), perm)
		case s3.TypeGroup:
			acl.AddGroupGrant(aws.StringValue(g.Grantee.URI), perm)
		}
	}
	return acl
}

func aclToS3(acl *storage.ObjectAcl) *s3.AccessControlPolicy {
	policy := &s3.AccessControlPolicy{}
	if acl.Owner != "" {
		policy.Owner = &s3.Owner{ID: aws.String(acl.Owner)}
	}
	users := lo.Keys(acl.UserGrants)
	sort.Strings(users)
	for _, user := range users {
		for _, perm := range acl.UserGrants[user] {
			policy.Grants = append(policy.Grants, &s3.Grant{
				Grantee:    &s3.Grantee{Type: aws.String(s3.TypeCanonicalUser), ID: aws.String(user)},
				Permission: aws.String(perm),
			})
		}
	}
	groups := lo.Keys(acl.GroupGrants)
	sort.Strings(groups)
	for _, group := range groups {
		for _, perm := range acl.GroupGrants[group] {
			policy.Grants = append(policy.Grants, &s3.Grant{
				Grantee:    &s3.Grantee{Type: aws.String(s3.TypeGroup), URI: aws.String(group)},
				Permission: aws.String(perm),
			})
		}
	}
	return policy
}
